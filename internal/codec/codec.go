// Package codec classifies raw scanned or typed payloads.
//
// Payloads are normalized (all whitespace removed, upper-cased) before
// classification, so scanner noise never changes the result. Classes are
// tried in order: parcel tracking code, pickup code, partner identifier;
// anything else is General.
package codec

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/google/uuid"
)

const MaxPayloadLen = 64

type Class string

const (
	ClassParcel     Class = "PARCEL"
	ClassPickupCode Class = "PICKUP_CODE"
	ClassPartner    Class = "PARTNER"
	ClassGeneral    Class = "GENERAL"
)

type Ref struct {
	Class Class  `json:"class"`
	Value string `json:"value"`
}

// Parse normalizes and classifies a payload.
func Parse(raw string) (Ref, error) {
	if raw == "" {
		return Ref{}, apperrors.New(apperrors.CodeMalformed, "empty payload")
	}
	if utf8.RuneCountInString(raw) > MaxPayloadLen*4 {
		// Даже с пробелами такой ввод не может быть валидным.
		return Ref{}, apperrors.New(apperrors.CodeMalformed, "payload too long")
	}

	v := Normalize(raw)
	if v == "" {
		return Ref{}, apperrors.New(apperrors.CodeMalformed, "empty payload")
	}
	if utf8.RuneCountInString(v) > MaxPayloadLen {
		return Ref{}, apperrors.New(apperrors.CodeMalformed, fmt.Sprintf("payload longer than %d characters", MaxPayloadLen))
	}

	switch {
	case IsTrackingCode(v):
		return Ref{Class: ClassParcel, Value: v}, nil
	case IsPickupCode(v):
		return Ref{Class: ClassPickupCode, Value: v}, nil
	case IsPartnerID(v):
		return Ref{Class: ClassPartner, Value: v}, nil
	default:
		return Ref{Class: ClassGeneral, Value: v}, nil
	}
}

// ParseTrackingCode is Parse restricted to the Parcel class.
func ParseTrackingCode(raw string) (string, error) {
	ref, err := Parse(raw)
	if err != nil {
		return "", err
	}
	if ref.Class != ClassParcel {
		return "", apperrors.New(apperrors.CodeUnsupported, fmt.Sprintf("payload %q is %s, not a parcel tracking code", ref.Value, ref.Class))
	}
	return ref.Value, nil
}

func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// IsTrackingCode reports whether v has the S10 shape AA999999999AA and a
// valid check digit. v must already be normalized.
func IsTrackingCode(v string) bool {
	if len(v) != 13 {
		return false
	}
	for i := 0; i < 13; i++ {
		c := v[i]
		switch {
		case i < 2 || i > 10:
			if c < 'A' || c > 'Z' {
				return false
			}
		default:
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return checkDigit(v[2:10]) == int(v[10]-'0')
}

var s10Weights = [8]int{8, 6, 4, 2, 3, 5, 9, 7}

func checkDigit(serial string) int {
	sum := 0
	for i := 0; i < 8; i++ {
		sum += int(serial[i]-'0') * s10Weights[i]
	}
	c := 11 - sum%11
	switch c {
	case 10:
		return 0
	case 11:
		return 5
	}
	return c
}

// ComposeTrackingCode builds a tracking code from a two-letter service
// prefix, an 8-digit serial and a two-letter country suffix.
func ComposeTrackingCode(prefix string, serial uint32, suffix string) (string, error) {
	prefix, suffix = strings.ToUpper(prefix), strings.ToUpper(suffix)
	if len(prefix) != 2 || len(suffix) != 2 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "prefix and suffix must be two letters")
	}
	if serial > 99_999_999 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "serial must have at most 8 digits")
	}
	s := fmt.Sprintf("%08d", serial)
	code := fmt.Sprintf("%s%s%d%s", prefix, s, checkDigit(s), suffix)
	if !IsTrackingCode(code) {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "prefix and suffix must be letters A-Z")
	}
	return code, nil
}

// NewTrackingCode composes a tracking code with a random serial.
func NewTrackingCode(prefix, suffix string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", err
	}
	return ComposeTrackingCode(prefix, uint32(n.Int64()), suffix)
}

func IsPickupCode(v string) bool {
	if len(v) != 6 {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}

// NewPickupCode returns a random 6-digit code.
func NewPickupCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// IsPartnerID accepts only the canonical 8-4-4-4-12 form; uuid.Parse alone
// would also take the urn and braced forms.
func IsPartnerID(v string) bool {
	if len(v) != 36 {
		return false
	}
	_, err := uuid.Parse(v)
	return err == nil
}
