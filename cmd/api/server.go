package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"freightmatch/auth"
	"freightmatch/chat"
	"freightmatch/geo"
	"freightmatch/matching"
	"freightmatch/negotiation"
	"freightmatch/shipment"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type negotiationService interface {
	Propose(ctx context.Context, negotiationID, actorID string, price float64) (negotiation.Negotiation, error)
	Accept(ctx context.Context, negotiationID, actorID string, expectedPrice float64) (negotiation.Negotiation, error)
	Reject(ctx context.Context, negotiationID, actorID string) (negotiation.Negotiation, error)
	Cancel(ctx context.Context, negotiationID, actorID string) (negotiation.Negotiation, error)
}

type negotiationReader interface {
	Get(ctx context.Context, id string) (negotiation.Negotiation, error)
	ListEvents(ctx context.Context, negotiationID string) ([]negotiation.Event, error)
	ListForParty(ctx context.Context, actorID string) ([]negotiation.Negotiation, error)
}

type matchingService interface {
	CreateOrGet(ctx context.Context, actorID, shipmentID, truckerID string) (negotiation.Negotiation, error)
}

type chatService interface {
	SendText(ctx context.Context, negotiationID, senderID, content string) (chat.Message, error)
	History(ctx context.Context, negotiationID string) ([]chat.Message, error)
	MarkRead(ctx context.Context, negotiationID, readerID string) (int64, error)
	Subscribe(ctx context.Context, negotiationID string) (<-chan chat.Message, func(), error)
}

type availabilityStore interface {
	Upsert(ctx context.Context, rec geo.Availability) (geo.Availability, error)
	UpdatePosition(ctx context.Context, truckerID string, pos geo.LatLng) error
	QueryBounds(ctx context.Context, b geo.Bounds) ([]geo.Snapshot, error)
}

type shipmentLister interface {
	ListPosted(ctx context.Context, limit int) ([]shipment.Shipment, error)
}

// Server is the HTTP boundary. Handlers decode and authenticate, delegate to
// the domain services, and translate domain errors to status codes. All rules
// live in the services.
type Server struct {
	authService        authService
	negotiationService negotiationService
	negotiations       negotiationReader
	matchingService    matchingService
	chatService        chatService
	availability       availabilityStore
	shipments          shipmentLister
	broadcaster        geo.Broadcaster
	sessionDebounce    time.Duration
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/shipments", s.requireAuth(http.HandlerFunc(s.handleShipments)))
	mux.Handle("/api/truckers", s.requireAuth(http.HandlerFunc(s.handleTruckers)))
	mux.Handle("/api/availability", s.requireAuth(http.HandlerFunc(s.handleAvailability)))
	mux.Handle("/api/positions", s.requireAuth(http.HandlerFunc(s.handlePositions)))
	mux.Handle("/api/negotiations", s.requireAuth(http.HandlerFunc(s.handleNegotiations)))
	mux.Handle("/api/negotiations/", s.requireAuth(http.HandlerFunc(s.handleNegotiationDetail)))
	mux.Handle("/api/map/stream", s.requireAuth(http.HandlerFunc(s.handleMapStream)))
	return mux
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role
}

type userResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName"`
	Role        string  `json:"role"`
	CompanyName *string `json:"companyName,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		CompanyName: u.CompanyName,
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, auth.ErrWeakPassword):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}{Token: result.Token, User: toUserResponse(result.User)})
}

type truckerResponse struct {
	TruckerID          string  `json:"truckerId"`
	Lat                float64 `json:"lat"`
	Lng                float64 `json:"lng"`
	CurrentAddress     *string `json:"currentAddress,omitempty"`
	DestinationAddress *string `json:"destinationAddress,omitempty"`
	AvailablePallets   int     `json:"availablePallets"`
	VehicleType        *string `json:"vehicleType,omitempty"`
	DistanceKM         float64 `json:"distanceKm"`
	ObservedAt         string  `json:"observedAt"`
}

func toTruckerResponse(snap geo.Snapshot) truckerResponse {
	resp := truckerResponse{
		TruckerID:          snap.TruckerID,
		CurrentAddress:     snap.CurrentAddress,
		DestinationAddress: snap.DestinationAddress,
		AvailablePallets:   snap.AvailablePallets,
		VehicleType:        snap.VehicleType,
		DistanceKM:         snap.DistanceKM,
		ObservedAt:         snap.ObservedAt.Format(time.RFC3339),
	}
	if snap.Current != nil {
		resp.Lat = snap.Current.Lat
		resp.Lng = snap.Current.Lng
	}
	return resp
}

// boundsFromQuery accepts either explicit corners (min_lat, min_lng, max_lat,
// max_lng) or a center plus radius_km.
func boundsFromQuery(r *http.Request) (geo.Bounds, error) {
	q := r.URL.Query()
	parse := func(key string) (float64, bool, error) {
		raw := q.Get(key)
		if raw == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid %s", key)
		}
		return v, true, nil
	}

	minLat, hasMinLat, err := parse("min_lat")
	if err != nil {
		return geo.Bounds{}, err
	}
	if hasMinLat {
		minLng, ok, err := parse("min_lng")
		if err != nil || !ok {
			return geo.Bounds{}, fmt.Errorf("invalid min_lng")
		}
		maxLat, ok, err := parse("max_lat")
		if err != nil || !ok {
			return geo.Bounds{}, fmt.Errorf("invalid max_lat")
		}
		maxLng, ok, err := parse("max_lng")
		if err != nil || !ok {
			return geo.Bounds{}, fmt.Errorf("invalid max_lng")
		}
		return geo.Bounds{South: minLat, West: minLng, North: maxLat, East: maxLng}, nil
	}

	lat, hasLat, err := parse("lat")
	if err != nil {
		return geo.Bounds{}, err
	}
	lng, hasLng, err := parse("lng")
	if err != nil {
		return geo.Bounds{}, err
	}
	if !hasLat || !hasLng {
		return geo.Bounds{}, fmt.Errorf("bounds or center required")
	}
	radius, hasRadius, err := parse("radius_km")
	if err != nil {
		return geo.Bounds{}, err
	}
	if !hasRadius {
		radius = 50
	}
	return geo.BoundsAround(geo.LatLng{Lat: lat, Lng: lng}, radius), nil
}

type shipmentResponse struct {
	ID             string   `json:"id"`
	CompanyID      string   `json:"companyId"`
	Title          string   `json:"title"`
	PalletCount    int      `json:"palletCount"`
	PickupAddress  string   `json:"pickupAddress"`
	DropoffAddress string   `json:"dropoffAddress"`
	BudgetMin      *float64 `json:"budgetMin,omitempty"`
	BudgetMax      *float64 `json:"budgetMax,omitempty"`
	Status         string   `json:"status"`
	CreatedAt      string   `json:"createdAt"`
}

// handleShipments lists the posted board carriers browse before opening a
// negotiation. Lifecycle writes live with the owning system.
func (s *Server) handleShipments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	listed, err := s.shipments.ListPosted(r.Context(), limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]shipmentResponse, 0, len(listed))
	for _, sh := range listed {
		items = append(items, shipmentResponse{
			ID:             sh.ID,
			CompanyID:      sh.CompanyID,
			Title:          sh.Title,
			PalletCount:    sh.PalletCount,
			PickupAddress:  sh.PickupAddress,
			DropoffAddress: sh.DropoffAddress,
			BudgetMin:      sh.BudgetMin,
			BudgetMax:      sh.BudgetMax,
			Status:         string(sh.Status),
			CreatedAt:      sh.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Items []shipmentResponse `json:"items"`
		Total int                `json:"total"`
	}{Items: items, Total: len(items)})
}

func (s *Server) handleTruckers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bounds, err := boundsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snapshots, err := s.availability.QueryBounds(r.Context(), bounds)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]truckerResponse, 0, len(snapshots))
	for _, snap := range snapshots {
		items = append(items, toTruckerResponse(snap))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []truckerResponse `json:"items"`
		Total int               `json:"total"`
	}{Items: items, Total: len(items)})
}

type availabilityRequest struct {
	IsAvailable        bool     `json:"isAvailable"`
	Lat                *float64 `json:"lat"`
	Lng                *float64 `json:"lng"`
	CurrentAddress     *string  `json:"currentAddress"`
	DestinationLat     *float64 `json:"destinationLat"`
	DestinationLng     *float64 `json:"destinationLng"`
	DestinationAddress *string  `json:"destinationAddress"`
	AvailablePallets   int      `json:"availablePallets"`
	VehicleType        *string  `json:"vehicleType"`
	AvailableFrom      *string  `json:"availableFrom"`
	AvailableUntil     *string  `json:"availableUntil"`
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, role := actorFrom(r)
	if role != auth.RoleTrucker {
		http.Error(w, "trucker role required", http.StatusForbidden)
		return
	}
	var req availabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	rec := geo.Availability{
		TruckerID:          actorID,
		IsAvailable:        req.IsAvailable,
		CurrentAddress:     req.CurrentAddress,
		DestinationAddress: req.DestinationAddress,
		AvailablePallets:   req.AvailablePallets,
		VehicleType:        req.VehicleType,
	}
	if req.Lat != nil && req.Lng != nil {
		rec.Current = &geo.LatLng{Lat: *req.Lat, Lng: *req.Lng}
	}
	if req.DestinationLat != nil && req.DestinationLng != nil {
		rec.Destination = &geo.LatLng{Lat: *req.DestinationLat, Lng: *req.DestinationLng}
	}
	if req.AvailableFrom != nil {
		t, err := time.Parse(time.RFC3339, *req.AvailableFrom)
		if err != nil {
			http.Error(w, "invalid availableFrom", http.StatusBadRequest)
			return
		}
		rec.AvailableFrom = &t
	}
	if req.AvailableUntil != nil {
		t, err := time.Parse(time.RFC3339, *req.AvailableUntil)
		if err != nil {
			http.Error(w, "invalid availableUntil", http.StatusBadRequest)
			return
		}
		rec.AvailableUntil = &t
	}
	saved, err := s.availability.Upsert(r.Context(), rec)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TruckerID   string `json:"truckerId"`
		IsAvailable bool   `json:"isAvailable"`
		UpdatedAt   string `json:"updatedAt"`
	}{TruckerID: saved.TruckerID, IsAvailable: saved.IsAvailable, UpdatedAt: saved.UpdatedAt.Format(time.RFC3339)})
}

type positionRequest struct {
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Heading *float64 `json:"heading"`
	Speed   *float64 `json:"speed"`
}

// handlePositions accepts a position tick from a tracking carrier: publish the
// ephemeral broadcast immediately, persist the durable record as well. Clients
// that want the dual cadence run geo.Tracker locally and batch their ticks.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, role := actorFrom(r)
	if role != auth.RoleTrucker {
		http.Error(w, "trucker role required", http.StatusForbidden)
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if s.broadcaster != nil {
		// Best effort: a dropped tick is superseded by the next one.
		_ = s.broadcaster.Publish(r.Context(), geo.Broadcast{
			TruckerID: actorID,
			Lat:       req.Lat,
			Lng:       req.Lng,
			Heading:   req.Heading,
			Speed:     req.Speed,
		})
	}
	if err := s.availability.UpdatePosition(r.Context(), actorID, geo.LatLng{Lat: req.Lat, Lng: req.Lng}); err != nil {
		if errors.Is(err, geo.ErrAvailabilityNotFound) {
			http.Error(w, "no availability record", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type negotiationResponse struct {
	ID               string   `json:"id"`
	ShipmentID       string   `json:"shipmentId"`
	CompanyID        string   `json:"companyId"`
	TruckerID        string   `json:"truckerId"`
	Status           string   `json:"status"`
	StatusLabel      string   `json:"statusLabel"`
	CurrentPrice     *float64 `json:"currentPrice"`
	ProposedBy       *string  `json:"proposedBy"`
	Version          int      `json:"version"`
	AvailableActions []string `json:"availableActions"`
	ExpiresAt        *string  `json:"expiresAt,omitempty"`
	AcceptedAt       *string  `json:"acceptedAt,omitempty"`
	RejectedAt       *string  `json:"rejectedAt,omitempty"`
	CreatedAt        string   `json:"createdAt"`
	UpdatedAt        string   `json:"updatedAt"`
}

func toNegotiationResponse(n negotiation.Negotiation, viewerID string) negotiationResponse {
	actions := negotiation.AvailableActions(n.Status, n.IsProposer(viewerID))
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, string(a))
	}
	resp := negotiationResponse{
		ID:               n.ID,
		ShipmentID:       n.ShipmentID,
		CompanyID:        n.CompanyID,
		TruckerID:        n.TruckerID,
		Status:           string(n.Status),
		StatusLabel:      negotiation.StatusLabel(n.Status),
		CurrentPrice:     n.CurrentPrice,
		ProposedBy:       n.ProposedBy,
		Version:          n.Version,
		AvailableActions: names,
		CreatedAt:        n.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        n.UpdatedAt.Format(time.RFC3339),
	}
	if n.ExpiresAt != nil {
		v := n.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	if n.AcceptedAt != nil {
		v := n.AcceptedAt.Format(time.RFC3339)
		resp.AcceptedAt = &v
	}
	if n.RejectedAt != nil {
		v := n.RejectedAt.Format(time.RFC3339)
		resp.RejectedAt = &v
	}
	return resp
}

func (s *Server) handleNegotiations(w http.ResponseWriter, r *http.Request) {
	actorID, _ := actorFrom(r)
	switch r.Method {
	case http.MethodGet:
		records, err := s.negotiations.ListForParty(r.Context(), actorID)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		items := make([]negotiationResponse, 0, len(records))
		for _, n := range records {
			items = append(items, toNegotiationResponse(n, actorID))
		}
		writeJSON(w, http.StatusOK, struct {
			Items []negotiationResponse `json:"items"`
			Total int                   `json:"total"`
		}{Items: items, Total: len(items)})
	case http.MethodPost:
		var req struct {
			ShipmentID string `json:"shipmentId"`
			TruckerID  string `json:"truckerId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		n, err := s.matchingService.CreateOrGet(r.Context(), actorID, req.ShipmentID, req.TruckerID)
		if err != nil {
			writeMatchingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toNegotiationResponse(n, actorID))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNegotiationDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/negotiations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "negotiation id required", http.StatusBadRequest)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1:
		s.handleNegotiation(w, r, id)
	case len(parts) == 2 && parts[1] == "propose":
		s.handlePropose(w, r, id)
	case len(parts) == 2 && parts[1] == "accept":
		s.handleAccept(w, r, id)
	case len(parts) == 2 && parts[1] == "reject":
		s.handleReject(w, r, id)
	case len(parts) == 2 && parts[1] == "cancel":
		s.handleCancel(w, r, id)
	case len(parts) == 2 && parts[1] == "events":
		s.handleEvents(w, r, id)
	case len(parts) == 2 && parts[1] == "messages":
		s.handleMessages(w, r, id)
	case len(parts) == 3 && parts[1] == "messages" && parts[2] == "read":
		s.handleMarkRead(w, r, id)
	case len(parts) == 2 && parts[1] == "stream":
		s.handleChatStream(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleNegotiation(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	n, err := s.negotiations.Get(r.Context(), id)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	if !n.Participant(actorID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, toNegotiationResponse(n, actorID))
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	var req struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	n, err := s.negotiationService.Propose(r.Context(), id, actorID, req.Price)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNegotiationResponse(n, actorID))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	var req struct {
		Price float64 `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	n, err := s.negotiationService.Accept(r.Context(), id, actorID, req.Price)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNegotiationResponse(n, actorID))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	n, err := s.negotiationService.Reject(r.Context(), id, actorID)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNegotiationResponse(n, actorID))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	n, err := s.negotiationService.Cancel(r.Context(), id, actorID)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toNegotiationResponse(n, actorID))
}

type eventResponse struct {
	ID            string   `json:"id"`
	NegotiationID string   `json:"negotiationId"`
	Kind          string   `json:"kind"`
	FromStatus    string   `json:"fromStatus"`
	ToStatus      string   `json:"toStatus"`
	Price         *float64 `json:"price,omitempty"`
	ActorID       *string  `json:"actorId,omitempty"`
	CreatedAt     string   `json:"createdAt"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	n, err := s.negotiations.Get(r.Context(), id)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	if !n.Participant(actorID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	events, err := s.negotiations.ListEvents(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, eventResponse{
			ID:            ev.ID,
			NegotiationID: ev.NegotiationID,
			Kind:          string(ev.Kind),
			FromStatus:    string(ev.FromStatus),
			ToStatus:      string(ev.ToStatus),
			Price:         ev.Price,
			ActorID:       ev.ActorID,
			CreatedAt:     ev.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Items []eventResponse `json:"items"`
	}{Items: items})
}

type messageResponse struct {
	ID                 string  `json:"id"`
	NegotiationID      string  `json:"negotiationId"`
	SenderID           *string `json:"senderId"`
	Content            string  `json:"content"`
	Kind               string  `json:"kind"`
	NegotiationEventID *string `json:"negotiationEventId,omitempty"`
	IsRead             bool    `json:"isRead"`
	CreatedAt          string  `json:"createdAt"`
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:                 m.ID,
		NegotiationID:      m.NegotiationID,
		SenderID:           m.SenderID,
		Content:            m.Content,
		Kind:               string(m.Kind),
		NegotiationEventID: m.NegotiationEventID,
		IsRead:             m.IsRead,
		CreatedAt:          m.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, id string) {
	actorID, _ := actorFrom(r)
	switch r.Method {
	case http.MethodGet:
		n, err := s.negotiations.Get(r.Context(), id)
		if err != nil {
			writeNegotiationError(w, err)
			return
		}
		if !n.Participant(actorID) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		messages, err := s.chatService.History(r.Context(), id)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		items := make([]messageResponse, 0, len(messages))
		for _, m := range messages {
			items = append(items, toMessageResponse(m))
		}
		writeJSON(w, http.StatusOK, struct {
			Items []messageResponse `json:"items"`
		}{Items: items})
	case http.MethodPost:
		var req struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		msg, err := s.chatService.SendText(r.Context(), id, actorID, req.Content)
		if err != nil {
			writeChatError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toMessageResponse(msg))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	n, err := s.negotiations.Get(r.Context(), id)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	if !n.Participant(actorID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	count, err := s.chatService.MarkRead(r.Context(), id, actorID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Updated int64 `json:"updated"`
	}{Updated: count})
}

// handleChatStream pushes new messages for one negotiation over SSE. Delivery
// off the bus is at least once; the subscriber layer already de-duplicates by
// message id, and a client that reconnects re-reads history to fill any gap.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actorID, _ := actorFrom(r)
	n, err := s.negotiations.Get(r.Context(), id)
	if err != nil {
		writeNegotiationError(w, err)
		return
	}
	if !n.Participant(actorID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	messages, cancel, err := s.chatService.Subscribe(r.Context(), id)
	if err != nil {
		if errors.Is(err, chat.ErrNoBus) {
			http.Error(w, "streaming unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-messages:
			if !open {
				return
			}
			writeSSE(w, flusher, toMessageResponse(msg))
		}
	}
}

// handleMapStream runs a live matching session for the caller's viewport and
// pushes each refreshed candidate set over SSE. Viewport changes arrive as new
// requests; within one stream the bounds are fixed.
func (s *Server) handleMapStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	bounds, err := boundsFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	viewerID, _ := actorFrom(r)
	session := matching.NewSession(s.availability, s.broadcaster)
	if s.sessionDebounce > 0 {
		session.WithDebounce(s.sessionDebounce)
	}
	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()
	session.SetBounds(bounds)

	log.Debug().Str("session", session.ID()).Str("viewer", viewerID).Msg("map stream opened")
	defer log.Debug().Str("session", session.ID()).Msg("map stream closed")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("session", session.ID()).Msg("map session ended")
			}
			return
		case set := <-session.Updates():
			items := make([]truckerResponse, 0, len(set))
			for _, snap := range set {
				items = append(items, toTruckerResponse(snap))
			}
			writeSSE(w, flusher, struct {
				Items []truckerResponse `json:"items"`
			}{Items: items})
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeNegotiationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, negotiation.ErrNotFound):
		http.Error(w, "negotiation not found", http.StatusNotFound)
	case errors.Is(err, negotiation.ErrNotParticipant):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, negotiation.ErrInvalidPrice):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, negotiation.ErrNotYourTurn),
		errors.Is(err, negotiation.ErrNoPendingOffer),
		errors.Is(err, negotiation.ErrClosed),
		errors.Is(err, negotiation.ErrStalePrice),
		errors.Is(err, negotiation.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeMatchingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shipment.ErrNotFound):
		http.Error(w, "shipment not found", http.StatusNotFound)
	case errors.Is(err, matching.ErrNotAllowed):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, matching.ErrShipmentNotOpen):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, negotiation.ErrVersionConflict):
		http.Error(w, "concurrent create, retry", http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrNegotiationNotFound):
		http.Error(w, "negotiation not found", http.StatusNotFound)
	case errors.Is(err, chat.ErrNotParticipant):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, chat.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
