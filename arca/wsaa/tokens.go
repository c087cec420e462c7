package wsaa

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Tokens is the credential pair issued by WSAA. It is usable only while now < ExpirationTime.
type Tokens struct {
	Token          string
	Sign           string
	GenerationTime time.Time
	ExpirationTime time.Time
	Source         string
}

func (t Tokens) ValidAt(now time.Time) bool {
	return t.Token != "" && t.Sign != "" && now.Before(t.ExpirationTime)
}

func (t Tokens) Encode(e *jx.Encoder) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("token", func(e *jx.Encoder) { e.Str(t.Token) })
		e.Field("sign", func(e *jx.Encoder) { e.Str(t.Sign) })
		if !t.GenerationTime.IsZero() {
			e.Field("generationTime", func(e *jx.Encoder) { e.Str(t.GenerationTime.Format(time.RFC3339)) })
		}
		e.Field("expirationTime", func(e *jx.Encoder) { e.Str(t.ExpirationTime.Format(time.RFC3339)) })
		if t.Source != "" {
			e.Field("source", func(e *jx.Encoder) { e.Str(t.Source) })
		}
	})
}

func (t *Tokens) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "token":
			v, err := d.Str()
			t.Token = v
			return err
		case "sign":
			v, err := d.Str()
			t.Sign = v
			return err
		case "source":
			v, err := d.Str()
			t.Source = v
			return err
		case "generationTime":
			return decodeTime(d, &t.GenerationTime)
		case "expirationTime":
			return decodeTime(d, &t.ExpirationTime)
		default:
			return d.Skip()
		}
	})
}

func (t Tokens) MarshalJSON() ([]byte, error) {
	var e jx.Encoder
	t.Encode(&e)
	return e.Bytes(), nil
}

func (t *Tokens) UnmarshalJSON(b []byte) error {
	return t.Decode(jx.DecodeBytes(b))
}

func decodeTime(d *jx.Decoder, dst *time.Time) error {
	v, err := d.Str()
	if err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return errors.Wrapf(err, "parse time %q", v)
	}
	*dst = ts
	return nil
}
