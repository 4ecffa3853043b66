// Package scansession implements batch custody handoffs: an actor scans a
// batch of parcels, reconciles it against the expected manifest and commits
// one transition per scanned parcel.
//
// A session is ephemeral. Nothing is written to the registry or the event
// log before Commit, so discarding a session has no effect.
package scansession

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/codec"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/google/uuid"
)

type ScanOutcome string

const (
	ScanAccepted  ScanOutcome = "ACCEPTED"
	ScanDuplicate ScanOutcome = "DUPLICATE_SCAN"
)

type ScanResult struct {
	Outcome      ScanOutcome `json:"outcome"`
	TrackingCode string      `json:"trackingCode"`
	// Expected is false when the code is not on a non-empty manifest.
	Expected bool `json:"expected"`
}

// Report is a pure function of the expected and scanned sets. Slices are
// sorted so that equal sets always give equal reports.
type Report struct {
	Matched  []string `json:"matched"`
	Missing  []string `json:"missing"`
	Extra    []string `json:"extra"`
	Complete bool     `json:"complete"`
	// Open sessions have no manifest; Missing is always empty for them.
	Open         bool `json:"open"`
	ScannedCount int  `json:"scannedCount"`
}

type Session struct {
	ID        string
	Kind      models.OperationKind
	ActorRef  string
	ActorRole models.ActorRole
	CreatedAt time.Time

	mu       sync.Mutex
	expected map[string]struct{}
	scanned  map[string]struct{}
	order    []string
}

// Start opens a session. Expected codes go through the codec like scans do;
// an empty expected set makes an open-ended session.
func Start(kind models.OperationKind, expected []string) (*Session, error) {
	if !kind.Valid() {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("unknown operation kind %q", kind))
	}
	s := &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
		expected:  make(map[string]struct{}, len(expected)),
		scanned:   make(map[string]struct{}),
	}
	for _, raw := range expected {
		code, err := codec.ParseTrackingCode(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeOf(err), fmt.Sprintf("expected code %q", raw), err)
		}
		s.expected[code] = struct{}{}
	}
	return s, nil
}

// Scan accepts a raw payload. A repeated code is reported as DuplicateScan
// and leaves the scanned set unchanged.
func (s *Session) Scan(raw string) (ScanResult, error) {
	code, err := codec.ParseTrackingCode(raw)
	if err != nil {
		return ScanResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, onManifest := s.expected[code]
	res := ScanResult{TrackingCode: code, Expected: onManifest || len(s.expected) == 0}
	if _, ok := s.scanned[code]; ok {
		res.Outcome = ScanDuplicate
		return res, nil
	}
	s.scanned[code] = struct{}{}
	s.order = append(s.order, code)
	res.Outcome = ScanAccepted
	return res, nil
}

func (s *Session) Reconcile() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Reconcile(s.expected, s.scanned)
}

// Scanned returns the accepted codes in scan order.
func (s *Session) Scanned() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Session) ExpectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expected)
}

func Reconcile(expected, scanned map[string]struct{}) Report {
	r := Report{
		Matched:      []string{},
		Missing:      []string{},
		Extra:        []string{},
		Open:         len(expected) == 0,
		ScannedCount: len(scanned),
	}
	for c := range scanned {
		if _, ok := expected[c]; ok {
			r.Matched = append(r.Matched, c)
		} else {
			r.Extra = append(r.Extra, c)
		}
	}
	for c := range expected {
		if _, ok := scanned[c]; !ok {
			r.Missing = append(r.Missing, c)
		}
	}
	sort.Strings(r.Matched)
	sort.Strings(r.Missing)
	sort.Strings(r.Extra)
	r.Complete = len(r.Missing) == 0 && len(r.Extra) == 0
	return r
}
