package handoff_api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/HandoffBox/internal/codec"
	"github.com/BearBump/HandoffBox/internal/integrations/manifest/static"
	"github.com/BearBump/HandoffBox/internal/services/handoff"
	"github.com/BearBump/HandoffBox/internal/services/scansession"
	"github.com/BearBump/HandoffBox/internal/storage/memparcels"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newServer(t *testing.T, manifests map[string][]string) *client {
	t.Helper()
	svc := handoff.New(memparcels.New(), nil, 0)
	eng := scansession.NewEngine(
		scansession.NewRegistry(time.Minute),
		scansession.NewCommitter(svc),
		static.New(manifests),
	)
	r := chi.NewRouter()
	New(svc, eng).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

func (c *client) do(method, path, actorRef, role string, body any, out any) int {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	if actorRef != "" {
		req.Header.Set(HeaderActorRef, actorRef)
	}
	if role != "" {
		req.Header.Set(HeaderActorRole, role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func trackingCode(t *testing.T, serial uint32) string {
	t.Helper()
	c, err := codec.ComposeTrackingCode("RR", serial, "KZ")
	require.NoError(t, err)
	return c
}

func (c *client) create(code, pickupCode string) parcelDTO {
	c.t.Helper()
	var out struct {
		Parcels []parcelDTO `json:"parcels"`
	}
	st := c.do(http.MethodPost, "/v1/parcels", "", "", createParcelsRequest{Items: []createParcelItem{
		{TrackingCode: code, SenderRef: "shop-1", PickupCode: pickupCode},
	}}, &out)
	require.Equal(c.t, http.StatusCreated, st)
	require.Len(c.t, out.Parcels, 1)
	return out.Parcels[0]
}

func (c *client) move(id, to, ref, role string) transitionResponse {
	c.t.Helper()
	var out transitionResponse
	st := c.do(http.MethodPost, "/v1/parcels/"+id+"/transitions", ref, role, transitionRequest{TargetStatus: to}, &out)
	require.Equal(c.t, http.StatusOK, st)
	return out
}

func TestHandoffAPI_ParcelFlow(t *testing.T) {
	c := newServer(t, nil)
	code := trackingCode(t, 1)

	p := c.create(" "+code+" ", "")
	require.Equal(t, code, p.TrackingCode)
	require.Equal(t, "CREATED", p.Status)
	require.Equal(t, "UNPAID", p.PaymentStatus)

	res := c.move(p.ID, "FACILITY_RECEIVED", "hub-1", "partner")
	require.False(t, res.NoOp)
	require.NotNil(t, res.Event)
	require.Equal(t, "CREATED", res.Event.FromStatus)
	require.Equal(t, "FACILITY_RECEIVED", res.Parcel.Status)

	// повтор того же перехода — no-op без события
	again := c.move(p.ID, "FACILITY_RECEIVED", "hub-1", "PARTNER")
	require.True(t, again.NoOp)
	require.Nil(t, again.Event)

	var got parcelDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/parcels/"+p.ID, "", "", nil, &got))
	require.Equal(t, "FACILITY_RECEIVED", got.Status)

	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/parcels/by-code/"+code, "", "", nil, &got))
	require.Equal(t, p.ID, got.ID)

	var list struct {
		Parcels []parcelDTO `json:"parcels"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/parcels?ids="+p.ID, "", "", nil, &list))
	require.Len(t, list.Parcels, 1)

	var evs struct {
		Events []eventDTO `json:"events"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/parcels/"+p.ID+"/events?limit=10", "", "", nil, &evs))
	require.Len(t, evs.Events, 1)
	require.Equal(t, "hub-1", evs.Events[0].ActorRef)
	require.Equal(t, "PARTNER", evs.Events[0].ActorRole)

	var rep handoff.AuditReport
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/parcels/"+p.ID+"/audit", "", "", nil, &rep))
	require.True(t, rep.Consistent)
	require.Equal(t, 1, rep.EventCount)
}

func TestHandoffAPI_TransitionByScannedCode(t *testing.T) {
	c := newServer(t, nil)
	code := trackingCode(t, 5)
	p := c.create(code, "")

	var res transitionResponse
	st := c.do(http.MethodPost, "/v1/parcels/by-code/"+strings.ToLower(code)+"/transitions", "hub-1", "PARTNER", transitionRequest{TargetStatus: "facility_received"}, &res)
	require.Equal(t, http.StatusOK, st)
	require.Equal(t, p.ID, res.Parcel.ID)
	require.Equal(t, "FACILITY_RECEIVED", res.Parcel.Status)
	require.NotNil(t, res.Event)

	var eb errorBody
	st = c.do(http.MethodPost, "/v1/parcels/by-code/042917/transitions", "hub-1", "PARTNER", transitionRequest{TargetStatus: "FACILITY_RECEIVED"}, &eb)
	require.Equal(t, http.StatusUnprocessableEntity, st)
	require.Equal(t, "UNSUPPORTED", eb.Code)

	st = c.do(http.MethodPost, "/v1/parcels/by-code/"+trackingCode(t, 6)+"/transitions", "hub-1", "PARTNER", transitionRequest{TargetStatus: "FACILITY_RECEIVED"}, &eb)
	require.Equal(t, http.StatusNotFound, st)
}

func TestHandoffAPI_Errors(t *testing.T) {
	c := newServer(t, nil)
	p := c.create(trackingCode(t, 2), "")

	var eb errorBody
	st := c.do(http.MethodPost, "/v1/parcels/"+p.ID+"/transitions", "d1", "DRIVER", transitionRequest{TargetStatus: "FACILITY_RECEIVED"}, &eb)
	require.Equal(t, http.StatusForbidden, st)
	require.Equal(t, "FORBIDDEN", eb.Code)

	st = c.do(http.MethodPost, "/v1/parcels/"+p.ID+"/transitions", "a1", "ADMIN", transitionRequest{TargetStatus: "DELIVERED"}, &eb)
	require.Equal(t, http.StatusConflict, st)
	require.Equal(t, "INVALID_TRANSITION", eb.Code)

	st = c.do(http.MethodPost, "/v1/parcels/"+p.ID+"/transitions", "a1", "ADMIN",
		transitionRequest{TargetStatus: "FACILITY_RECEIVED", ExpectedStatus: "PICKUP_READY"}, &eb)
	require.Equal(t, http.StatusConflict, st)
	require.Equal(t, "CONFLICT", eb.Code)

	st = c.do(http.MethodGet, "/v1/parcels/6f1c1a8e-0000-4000-8000-000000000000", "", "", nil, &eb)
	require.Equal(t, http.StatusNotFound, st)
	require.Equal(t, "NOT_FOUND", eb.Code)

	st = c.do(http.MethodGet, "/v1/parcels/by-code/HELLO", "", "", nil, &eb)
	require.Equal(t, http.StatusUnprocessableEntity, st)
	require.Equal(t, "UNSUPPORTED", eb.Code)

	st = c.do(http.MethodGet, "/v1/parcels/"+p.ID+"/events?limit=x", "", "", nil, &eb)
	require.Equal(t, http.StatusBadRequest, st)
	require.Equal(t, "INVALID_ARGUMENT", eb.Code)
}

func TestHandoffAPI_Classify(t *testing.T) {
	c := newServer(t, nil)

	var ref codec.Ref
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/codes/classify", "", "", payloadRequest{Payload: "123 456"}, &ref))
	require.Equal(t, codec.ClassPickupCode, ref.Class)
	require.Equal(t, "123456", ref.Value)

	var eb errorBody
	require.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/v1/codes/classify", "", "", payloadRequest{Payload: "   "}, &eb))
	require.Equal(t, "MALFORMED", eb.Code)
}

func TestHandoffAPI_VerifyPickupCode(t *testing.T) {
	c := newServer(t, nil)
	code := trackingCode(t, 3)
	p := c.create(code, "424242")

	var eb errorBody
	st := c.do(http.MethodPost, "/v1/pickup-codes/verify", "", "", verifyPickupRequest{TrackingCode: code, Code: "424242"}, &eb)
	require.Equal(t, http.StatusConflict, st)
	require.Equal(t, "INVALID_TRANSITION", eb.Code)

	c.move(p.ID, "FACILITY_RECEIVED", "hub", "PARTNER")
	c.move(p.ID, "IN_TRANSIT_TO_FACILITY_HUB", "hub", "PARTNER")
	c.move(p.ID, "PICKUP_READY", "hub", "PARTNER")

	st = c.do(http.MethodPost, "/v1/pickup-codes/verify", "", "", verifyPickupRequest{TrackingCode: code, Code: "000000"}, &eb)
	require.Equal(t, http.StatusForbidden, st)

	var ok struct {
		Verified bool      `json:"verified"`
		Parcel   parcelDTO `json:"parcel"`
	}
	st = c.do(http.MethodPost, "/v1/pickup-codes/verify", "", "", verifyPickupRequest{TrackingCode: code, Code: "424 242"}, &ok)
	require.Equal(t, http.StatusOK, st)
	require.True(t, ok.Verified)
	require.Equal(t, "PICKUP_READY", ok.Parcel.Status)
}

func TestHandoffAPI_SessionLifecycle(t *testing.T) {
	a, b, x := trackingCode(t, 10), trackingCode(t, 11), trackingCode(t, 12)
	c := newServer(t, map[string][]string{"hub-1": {a, b}})
	pa := c.create(a, "")
	c.create(b, "")

	var s sessionDTO
	st := c.do(http.MethodPost, "/v1/sessions", "hub-1", "PARTNER", startSessionRequest{Kind: "DROPOFF", ManifestLocation: "hub-1"}, &s)
	require.Equal(t, http.StatusCreated, st)
	require.Equal(t, "dropoff", s.Kind)
	require.Equal(t, 2, s.ExpectedCount)

	var sr scansession.ScanResult
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/sessions/"+s.ID+"/scans", "hub-1", "", payloadRequest{Payload: a}, &sr))
	require.Equal(t, scansession.ScanAccepted, sr.Outcome)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/sessions/"+s.ID+"/scans", "hub-1", "", payloadRequest{Payload: a}, &sr))
	require.Equal(t, scansession.ScanDuplicate, sr.Outcome)
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/sessions/"+s.ID+"/scans", "hub-1", "", payloadRequest{Payload: x}, &sr))
	require.False(t, sr.Expected)

	// чужая сессия не видна
	var eb errorBody
	require.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/v1/sessions/"+s.ID+"/reconciliation", "hub-2", "", nil, &eb))

	var rep scansession.Report
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/sessions/"+s.ID+"/reconciliation", "hub-1", "", nil, &rep))
	require.Equal(t, []string{a}, rep.Matched)
	require.Equal(t, []string{b}, rep.Missing)
	require.Equal(t, []string{x}, rep.Extra)
	require.False(t, rep.Complete)

	var res scansession.CommitResult
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/sessions/"+s.ID+"/commit", "hub-1", "", nil, &res))
	require.Equal(t, 1, res.Succeeded)
	require.Equal(t, 1, res.Failed)

	var got parcelDTO
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/parcels/"+pa.ID, "", "", nil, &got))
	require.Equal(t, "FACILITY_RECEIVED", got.Status)

	// после коммита сессии нет
	require.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/v1/sessions/"+s.ID+"/commit", "hub-1", "", nil, &eb))
}

func TestHandoffAPI_SessionDiscard(t *testing.T) {
	c := newServer(t, nil)
	var s sessionDTO
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/v1/sessions", "d1", "DRIVER", startSessionRequest{Kind: "pickup"}, &s))
	require.Zero(t, s.ExpectedCount)

	require.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/v1/sessions/"+s.ID, "d1", "", nil, nil))
	var eb errorBody
	require.Equal(t, http.StatusNotFound, c.do(http.MethodDelete, "/v1/sessions/"+s.ID, "d1", "", nil, &eb))
}

func TestHandoffAPI_SessionsDisabled(t *testing.T) {
	svc := handoff.New(memparcels.New(), nil, 0)
	r := chi.NewRouter()
	New(svc, nil).Routes(r)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{"kind":"pickup"}`)))
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
