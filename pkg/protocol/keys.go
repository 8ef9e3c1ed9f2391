package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxDepth bounds nesting in checkDuplicateKeys.
const maxDepth = 256

// checkDuplicateKeys rejects a document in which any object repeats a key.
// Decoders disagree on which copy wins.
func checkDuplicateKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := checkValue(dec, 0); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func checkValue(dec *json.Decoder, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("nesting deeper than %d", maxDepth)
	}
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch tok {
	case json.Delim('{'):
		seen := make(map[string]struct{})
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return err
			}
			key, ok := kt.(string)
			if !ok {
				return fmt.Errorf("object key %v is not a string", kt)
			}
			if _, dup := seen[key]; dup {
				return fmt.Errorf("duplicate key %q", key)
			}
			seen[key] = struct{}{}
			if err := checkValue(dec, depth+1); err != nil {
				return err
			}
		}
		_, err = dec.Token()
		return err
	case json.Delim('['):
		for dec.More() {
			if err := checkValue(dec, depth+1); err != nil {
				return err
			}
		}
		_, err = dec.Token()
		return err
	}
	return nil
}

// exactKeys rejects an object holding a key that matches one of names only
// when case is ignored, such as "Method" next to or instead of "method".
func exactKeys(raw json.RawMessage, names []string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}
	for key := range obj {
		for _, name := range names {
			if key != name && foldKey(key) == foldKey(name) {
				return fmt.Errorf("key %q is a case variant of %q", key, name)
			}
		}
	}
	return nil
}

// foldKey folds case the way encoding/json matches field names, including
// the Kelvin sign and long s.
func foldKey(key string) string {
	return strings.ToLower(strings.ToUpper(key))
}
