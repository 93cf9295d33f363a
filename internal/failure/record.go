package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxShortDescription bounds Record.ShortDescription in characters.
const MaxShortDescription = 256

// Record is the structured form of a failure sent to the error destination.
type Record struct {
	ShortDescription string `json:"shortDescription"`
	SourceSystem     string `json:"sourceSystem,omitempty"`
	Description      string `json:"description"`
	Stack            string `json:"stack"`
}

// NewRecord describes err. The short description comes from the failure when
// set, otherwise from the Go type of the underlying cause.
func NewRecord(err error) Record {
	r := Record{
		Description: err.Error(),
		Stack:       fmt.Sprintf("%+v", err),
	}
	short := ""
	var f *Failure
	if errors.As(err, &f) {
		short = f.ShortDescription
		r.SourceSystem = f.SourceSystem
		if short == "" && f.cause != nil {
			short = fmt.Sprintf("%T", f.cause)
		}
	}
	if short == "" {
		short = fmt.Sprintf("%T", err)
	}
	r.ShortDescription = truncate(short, MaxShortDescription)
	return r
}

// JSON encodes the record.
func (r Record) JSON() ([]byte, error) { return json.Marshal(r) }

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
