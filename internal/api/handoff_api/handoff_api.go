// Package handoff_api is the REST surface of the handoff service. Actor
// identity comes from the X-Actor-Ref / X-Actor-Role headers set by the
// upstream identity provider and is trusted as is.
package handoff_api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/codec"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/BearBump/HandoffBox/internal/services/handoff"
	"github.com/BearBump/HandoffBox/internal/services/scansession"
	"github.com/go-chi/chi/v5"
)

const (
	HeaderActorRef  = "X-Actor-Ref"
	HeaderActorRole = "X-Actor-Role"

	maxBodyBytes = 4 << 20
)

type HandoffAPI struct {
	svc      *handoff.Service
	sessions *scansession.Engine
}

func New(svc *handoff.Service, sessions *scansession.Engine) *HandoffAPI {
	return &HandoffAPI{svc: svc, sessions: sessions}
}

// Routes mounts every endpoint under /v1.
func (a *HandoffAPI) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/parcels", a.createParcels)
		r.Get("/parcels", a.getParcels)
		r.Get("/parcels/by-code/{code}", a.getParcelByCode)
		r.Post("/parcels/by-code/{code}/transitions", a.applyTransitionByCode)
		r.Get("/parcels/{id}", a.getParcel)
		r.Get("/parcels/{id}/events", a.listEvents)
		r.Get("/parcels/{id}/audit", a.audit)
		r.Post("/parcels/{id}/transitions", a.applyTransition)

		r.Post("/pickup-codes/verify", a.verifyPickupCode)
		r.Post("/codes/classify", a.classify)

		r.Post("/sessions", a.startSession)
		r.Post("/sessions/{id}/scans", a.scan)
		r.Get("/sessions/{id}/reconciliation", a.reconcile)
		r.Post("/sessions/{id}/commit", a.commit)
		r.Delete("/sessions/{id}", a.discard)
	})
}

func actor(r *http.Request) (string, models.ActorRole) {
	ref := strings.TrimSpace(r.Header.Get(HeaderActorRef))
	role := models.ActorRole(strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderActorRole))))
	return ref, role
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	msg := err.Error()
	if code == apperrors.CodeInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err.Error())
		msg = "internal error"
	}
	writeJSON(w, apperrors.HTTPStatus(code), errorBody{Code: string(code), Message: msg})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func (a *HandoffAPI) createParcels(w http.ResponseWriter, r *http.Request) {
	var req createParcelsRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := make([]models.ParcelCreateInput, 0, len(req.Items))
	for _, it := range req.Items {
		in = append(in, it.toInput())
	}
	ps, err := a.svc.CreateParcels(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"parcels": toParcelDTOs(ps)})
}

func (a *HandoffAPI) getParcels(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, v := range r.URL.Query()["ids"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	ps, err := a.svc.GetParcels(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parcels": toParcelDTOs(ps)})
}

func (a *HandoffAPI) getParcel(w http.ResponseWriter, r *http.Request) {
	p, err := a.svc.GetParcel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParcelDTO(p))
}

func (a *HandoffAPI) getParcelByCode(w http.ResponseWriter, r *http.Request) {
	code, err := codec.ParseTrackingCode(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := a.svc.GetParcelByTrackingCode(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toParcelDTO(p))
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid "+name, err)
	}
	return n, nil
}

func (a *HandoffAPI) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	// пустой лог и неизвестная посылка различаются
	if _, err := a.svc.GetParcel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	evs, err := a.svc.ListParcelEvents(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]*eventDTO, 0, len(evs))
	for _, e := range evs {
		out = append(out, toEventDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (a *HandoffAPI) audit(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.AuditParcel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func transitionInput(r *http.Request, req transitionRequest) handoff.ApplyInput {
	ref, role := actor(r)
	return handoff.ApplyInput{
		TargetStatus:      models.ParcelStatus(strings.ToUpper(req.TargetStatus)),
		ActorRole:         role,
		ActorRef:          ref,
		Notes:             req.Notes,
		ExpectedStatus:    models.ParcelStatus(strings.ToUpper(req.ExpectedStatus)),
		AssignedDriverRef: req.AssignedDriverRef,
	}
}

func (a *HandoffAPI) applyTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in := transitionInput(r, req)
	in.ParcelID = chi.URLParam(r, "id")
	res, err := a.svc.Apply(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

// applyTransitionByCode — переход по отсканированному коду, без знания id.
func (a *HandoffAPI) applyTransitionByCode(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.svc.ApplyByTrackingCode(r.Context(), chi.URLParam(r, "code"), transitionInput(r, req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

func (a *HandoffAPI) verifyPickupCode(w http.ResponseWriter, r *http.Request) {
	var req verifyPickupRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := a.svc.VerifyPickupCode(r.Context(), req.TrackingCode, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true, "parcel": toParcelDTO(p)})
}

func (a *HandoffAPI) classify(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ref, err := codec.Parse(req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (a *HandoffAPI) sessionsEnabled(w http.ResponseWriter, r *http.Request) bool {
	if a.sessions == nil {
		writeError(w, r, apperrors.New(apperrors.CodeUnsupported, "scan sessions are not enabled"))
		return false
	}
	return true
}

func (a *HandoffAPI) startSession(w http.ResponseWriter, r *http.Request) {
	if !a.sessionsEnabled(w, r) {
		return
	}
	var req startSessionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ref, role := actor(r)
	s, err := a.sessions.Start(r.Context(), scansession.StartInput{
		Kind:             models.OperationKind(strings.ToLower(req.Kind)),
		ActorRef:         ref,
		ActorRole:        role,
		Expected:         req.Expected,
		ManifestLocation: req.ManifestLocation,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionDTO{
		ID:            s.ID,
		Kind:          string(s.Kind),
		ActorRef:      s.ActorRef,
		ActorRole:     string(s.ActorRole),
		ExpectedCount: s.ExpectedCount(),
		CreatedAt:     s.CreatedAt,
	})
}

func (a *HandoffAPI) scan(w http.ResponseWriter, r *http.Request) {
	if !a.sessionsEnabled(w, r) {
		return
	}
	var req payloadRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ref, _ := actor(r)
	res, err := a.sessions.Scan(chi.URLParam(r, "id"), ref, req.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *HandoffAPI) reconcile(w http.ResponseWriter, r *http.Request) {
	if !a.sessionsEnabled(w, r) {
		return
	}
	ref, _ := actor(r)
	rep, err := a.sessions.Reconcile(chi.URLParam(r, "id"), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *HandoffAPI) commit(w http.ResponseWriter, r *http.Request) {
	if !a.sessionsEnabled(w, r) {
		return
	}
	ref, _ := actor(r)
	res, err := a.sessions.Commit(r.Context(), chi.URLParam(r, "id"), ref)
	if err != nil && res.Outcomes == nil {
		writeError(w, r, err)
		return
	}
	// отменённый коммит всё равно отдаёт то, что успело примениться
	writeJSON(w, http.StatusOK, res)
}

func (a *HandoffAPI) discard(w http.ResponseWriter, r *http.Request) {
	if !a.sessionsEnabled(w, r) {
		return
	}
	ref, _ := actor(r)
	if err := a.sessions.Discard(chi.URLParam(r, "id"), ref); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
