package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ReasonKind tags how a reason entry arrived on the remittance.
type ReasonKind int

const (
	// ReasonEmpty is a null entry or one whose code is blank.
	ReasonEmpty ReasonKind = iota
	// ReasonBare is a plain code string such as "CO45".
	ReasonBare
	// ReasonStructured is an object carrying at least a code.
	ReasonStructured
)

// ReasonEntry is one denial or adjustment reason. Payers send either bare
// codes or {code, description} objects; both decode into this type.
type ReasonEntry struct {
	Kind        ReasonKind
	Code        string
	Description string
}

type structuredReason struct {
	Code        *string `json:"code"`
	Description string  `json:"description,omitempty"`
}

func (e *ReasonEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*e = ReasonEntry{}
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		var code string
		if err := json.Unmarshal(data, &code); err != nil {
			return err
		}
		e.setCode(code, ReasonBare)
		return nil
	case data[0] == '{':
		var s struct {
			Code        json.RawMessage `json:"code"`
			Description json.RawMessage `json:"description"`
		}
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		e.setCode(rawText(s.Code), ReasonStructured)
		if e.Kind != ReasonEmpty {
			e.Description = rawText(s.Description)
		}
		return nil
	default:
		// Numbers and anything else carry no usable code.
		return nil
	}
}

// rawText renders a JSON scalar as text: strings are unquoted, numbers kept
// verbatim, null and compound values dropped.
func rawText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		return s
	case '{', '[', 't', 'f':
		return ""
	default:
		return string(raw)
	}
}

func (e *ReasonEntry) setCode(code string, kind ReasonKind) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	e.Code = code
	e.Kind = kind
}

func (e ReasonEntry) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case ReasonBare:
		return json.Marshal(e.Code)
	case ReasonStructured:
		return json.Marshal(structuredReason{Code: &e.Code, Description: e.Description})
	default:
		return []byte("null"), nil
	}
}

// ReasonList is the decoded JSON array of reasons on a remittance.
type ReasonList []ReasonEntry

// UnmarshalJSON accepts a JSON array or null. A non-array value is an error.
func (l *ReasonList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] != '[' {
		return fmt.Errorf("reason list: expected array, got %.20s", data)
	}
	var entries []ReasonEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("reason list: %w", err)
	}
	*l = entries
	return nil
}

// Len is the number of entries as received, including empty ones.
func (l ReasonList) Len() int { return len(l) }

// Codes returns the non-empty codes in order, duplicates kept.
func (l ReasonList) Codes() []ReasonEntry {
	out := make([]ReasonEntry, 0, len(l))
	for _, e := range l {
		if e.Kind == ReasonEmpty {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ParseReasons decodes a raw JSON reason array, tolerating malformed input by
// returning an empty list.
func ParseReasons(raw []byte) ReasonList {
	var l ReasonList
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil
	}
	return l
}
