package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

var errNoCipher = errors.New("encryption disabled")

// decodeStrategy turns a stored blob into queue items.
type decodeStrategy struct {
	name string
	// migrate marks strategies whose successful result should be rewritten
	// in the current format.
	migrate bool
	decode  func(raw []byte) ([]Item, error)
}

// strategies returns the ordered list of decoders tried on load.
func (q *Queue) strategies() []decodeStrategy {
	plain := decodeStrategy{name: "plaintext", decode: decodePlain}
	if q.cipher == nil {
		return []decodeStrategy{plain}
	}
	plain.migrate = true
	return []decodeStrategy{
		{name: "encrypted", decode: q.decodeEncrypted},
		plain,
	}
}

func (q *Queue) decodeEncrypted(raw []byte) ([]Item, error) {
	if q.cipher == nil {
		return nil, errNoCipher
	}
	plain, err := q.cipher.Decrypt(raw)
	if err != nil {
		return nil, err
	}
	return decodePlain(plain)
}

func decodePlain(raw []byte) ([]Item, error) {
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode queue json: %w", err)
	}
	return items, nil
}

// decode tries each strategy in order. It reports the strategy that
// succeeded, or an error joining every failure.
func (q *Queue) decode(raw []byte) ([]Item, decodeStrategy, error) {
	var errs []error
	for _, s := range q.strategies() {
		items, err := s.decode(raw)
		if err == nil {
			return items, s, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return nil, decodeStrategy{}, errors.Join(errs...)
}

func (q *Queue) encode(items []Item) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode queue json: %w", err)
	}
	if q.cipher == nil {
		return data, nil
	}
	enc, err := q.cipher.Encrypt(data)
	if err != nil {
		q.logger.Warn("[QUEUE] Encryption failed, saving unencrypted", "error", err)
		return data, nil
	}
	return enc, nil
}
