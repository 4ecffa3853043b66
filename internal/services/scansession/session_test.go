package scansession

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/codec"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/stretchr/testify/require"
)

func code(t *testing.T, serial uint32) string {
	t.Helper()
	c, err := codec.ComposeTrackingCode("RR", serial, "KZ")
	require.NoError(t, err)
	return c
}

func TestSession_ReconcileScenario(t *testing.T) {
	a, b, c := code(t, 1), code(t, 2), code(t, 3)
	s, err := Start(models.OperationPickup, []string{a, b, c})
	require.NoError(t, err)

	for _, raw := range []string{b, a} {
		res, err := s.Scan(raw)
		require.NoError(t, err)
		require.Equal(t, ScanAccepted, res.Outcome)
		require.True(t, res.Expected)
	}

	rep := s.Reconcile()
	want := []string{a, b}
	sort.Strings(want)
	require.Equal(t, want, rep.Matched)
	require.Equal(t, []string{c}, rep.Missing)
	require.Empty(t, rep.Extra)
	require.False(t, rep.Complete)
	require.False(t, rep.Open)

	// повторный вызов без побочных эффектов
	require.Equal(t, rep, s.Reconcile())
}

func TestSession_DuplicateScan(t *testing.T) {
	a := code(t, 1)
	s, err := Start(models.OperationDropoff, nil)
	require.NoError(t, err)

	res, err := s.Scan(a)
	require.NoError(t, err)
	require.Equal(t, ScanAccepted, res.Outcome)

	// тот же код после нормализации
	for _, raw := range []string{a, " " + a[:5] + " " + a[5:], toLower(a)} {
		res, err = s.Scan(raw)
		require.NoError(t, err)
		require.Equal(t, ScanDuplicate, res.Outcome)
		require.Equal(t, a, res.TrackingCode)
	}
	require.Equal(t, []string{a}, s.Scanned())
	require.Equal(t, 1, s.Reconcile().ScannedCount)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func TestSession_ScanRejectsNonParcelPayloads(t *testing.T) {
	s, err := Start(models.OperationPickup, nil)
	require.NoError(t, err)

	_, err = s.Scan("3F2504E0-4F89-11D3-9A0C-0305E82C3301")
	require.True(t, apperrors.IsCode(err, apperrors.CodeUnsupported))
	_, err = s.Scan("042917")
	require.True(t, apperrors.IsCode(err, apperrors.CodeUnsupported))
	_, err = s.Scan("   ")
	require.True(t, apperrors.IsCode(err, apperrors.CodeMalformed))
	require.Empty(t, s.Scanned())
}

func TestStart_Validation(t *testing.T) {
	_, err := Start("teleport", nil)
	require.True(t, apperrors.IsCode(err, apperrors.CodeInvalidArgument))

	_, err = Start(models.OperationPickup, []string{"not-a-code"})
	require.True(t, apperrors.IsCode(err, apperrors.CodeUnsupported))
}

func TestSession_OpenSessionReportsOnlyExtra(t *testing.T) {
	s, err := Start(models.OperationPickup, nil)
	require.NoError(t, err)

	rep := s.Reconcile()
	require.True(t, rep.Open)
	require.True(t, rep.Complete)

	_, err = s.Scan(code(t, 5))
	require.NoError(t, err)
	rep = s.Reconcile()
	require.Empty(t, rep.Missing)
	require.Equal(t, []string{code(t, 5)}, rep.Extra)
	require.False(t, rep.Complete)
}

func TestReconcile_SetAlgebraIndependentOfScanOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		universe := make([]string, 12)
		for i := range universe {
			universe[i] = code(t, uint32(round*100+i))
		}
		var expected, scanned []string
		for _, c := range universe {
			if rng.Intn(2) == 0 {
				expected = append(expected, c)
			}
			if rng.Intn(2) == 0 {
				scanned = append(scanned, c)
			}
		}

		var reports []Report
		for perm := 0; perm < 3; perm++ {
			order := append([]string(nil), scanned...)
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

			s, err := Start(models.OperationPickup, expected)
			require.NoError(t, err)
			for _, c := range order {
				_, err := s.Scan(c)
				require.NoError(t, err)
			}
			reports = append(reports, s.Reconcile())
		}
		require.Equal(t, reports[0], reports[1])
		require.Equal(t, reports[0], reports[2])

		exp := toSet(expected)
		sc := toSet(scanned)
		rep := reports[0]
		for _, c := range rep.Matched {
			require.Contains(t, exp, c)
			require.Contains(t, sc, c)
		}
		for _, c := range rep.Missing {
			require.Contains(t, exp, c)
			require.NotContains(t, sc, c)
		}
		for _, c := range rep.Extra {
			require.NotContains(t, exp, c)
			require.Contains(t, sc, c)
		}
		require.Equal(t, len(exp), len(rep.Matched)+len(rep.Missing))
		require.Equal(t, len(sc), len(rep.Matched)+len(rep.Extra))
		require.Equal(t, len(rep.Missing) == 0 && len(rep.Extra) == 0, rep.Complete)
	}
}

func toSet(xs []string) map[string]struct{} {
	m := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		m[x] = struct{}{}
	}
	return m
}
