package dispatch

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"maildispatchd/internal/mail"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	recipientType  = reflect.TypeOf(mail.Recipient{})
	attachmentType = reflect.TypeOf(mail.Attachment{})
	embeddedType   = reflect.TypeOf(mail.Embedded{})
)

// listFormHook decodes the wire forms of recipients, attachments and
// embedded images: bare strings and short arrays, the same shapes the JSON
// codecs in the mail package accept.
func listFormHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to {
	case recipientType:
		switch v := data.(type) {
		case string:
			return mail.Recipient{Address: v}, nil
		case []any:
			pair, err := stringParts(v, 2, 2)
			if err != nil {
				return nil, fmt.Errorf("recipient must be a string or [address, name] pair")
			}
			return mail.Recipient{Address: pair[0], Name: pair[1]}, nil
		}
		return nil, fmt.Errorf("recipient must be a string or [address, name] pair")
	case attachmentType:
		parts, err := anyParts(data, 1, 2)
		if err != nil {
			return nil, fmt.Errorf("attachment must be a [path] or [path, name] array")
		}
		att := mail.Attachment{Path: parts[0]}
		if len(parts) == 2 {
			att.Name = parts[1]
		}
		return att, nil
	case embeddedType:
		parts, err := anyParts(data, 2, 3)
		if err != nil {
			return nil, fmt.Errorf("embedded image must be a [path, cid] or [path, cid, name] array")
		}
		emb := mail.Embedded{Path: parts[0], CID: parts[1]}
		if len(parts) == 3 {
			emb.Name = parts[2]
		}
		return emb, nil
	}
	return data, nil
}

func anyParts(data any, min, max int) ([]string, error) {
	v, ok := data.([]any)
	if !ok {
		return nil, errors.New("not an array")
	}
	return stringParts(v, min, max)
}

func stringParts(v []any, min, max int) ([]string, error) {
	if len(v) < min || len(v) > max {
		return nil, fmt.Errorf("expected %d to %d elements, got %d", min, max, len(v))
	}
	parts := make([]string, len(v))
	for i, e := range v {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is not a string", i)
		}
		parts[i] = s
	}
	return parts, nil
}

// decodeMessage decodes a request payload object into a Message and runs the
// schema checks. On a validation failure it returns the machine-readable
// detail list for the response's data field.
func decodeMessage(payload any) (*mail.Message, []string, error) {
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, []string{"payload must be an object"}, errors.New("payload must be an object")
	}

	var msg mail.Message
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &msg,
		TagName:    "json",
		DecodeHook: listFormHook,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := dec.Decode(obj); err != nil {
		return nil, []string{err.Error()}, err
	}

	if err := validate.Struct(&msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
			}
			return nil, details, err
		}
		return nil, []string{err.Error()}, err
	}
	return &msg, nil, nil
}

// intArg reads an optional integer payload (JSON numbers arrive as float64).
// Anything else falls back to the default, like the original's is_int check.
func intArg(payload any, fallback int) int {
	switch v := payload.(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func stringArg(payload any) (string, bool) {
	s, ok := payload.(string)
	return s, ok
}
