package xmpp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseError is the typed failure of any JSON payload decode. It aborts
// processing of the carrying message only; the connection and the room are
// unaffected.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s payload: %v", e.Payload, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// decodeStrict unmarshals data into out after walking the token stream once
// to reject duplicate object keys. encoding/json silently keeps the last
// duplicate, which would let a client smuggle conflicting values past the
// checks, so the walk happens first. Unknown fields are still ignored.
func decodeStrict(payload string, kind string, out interface{}) error {
	data := []byte(payload)
	if err := rejectDuplicateKeys(data); err != nil {
		return &ParseError{Payload: kind, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ParseError{Payload: kind, Err: err}
	}
	return nil
}

func rejectDuplicateKeys(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	return walkValue(decoder, token)
}

func walkValue(decoder *json.Decoder, token json.Token) error {
	delim, ok := token.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]bool)
		for decoder.More() {
			keyToken, err := decoder.Token()
			if err != nil {
				return err
			}
			key, ok := keyToken.(string)
			if !ok {
				return fmt.Errorf("object key is not a string: %v", keyToken)
			}
			if seen[key] {
				return fmt.Errorf("duplicate key %q", key)
			}
			seen[key] = true

			valueToken, err := decoder.Token()
			if err != nil {
				return err
			}
			if err := walkValue(decoder, valueToken); err != nil {
				return err
			}
		}
		_, err := decoder.Token()
		return err
	case '[':
		for decoder.More() {
			token, err := decoder.Token()
			if err != nil {
				return err
			}
			if err := walkValue(decoder, token); err != nil {
				return err
			}
		}
		_, err := decoder.Token()
		return err
	}
	return nil
}
