package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type ServiceClass string

const (
	ClassStandard ServiceClass = "standard"
	ClassPremium  ServiceClass = "premium"
	ClassXL       ServiceClass = "xl"
)

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentOffered   AgentStatus = "offered"
	AgentAssigned  AgentStatus = "assigned"
	AgentOffline   AgentStatus = "offline"
)

type Agent struct {
	ID      string       `json:"id"`
	Loc     Coord        `json:"loc"`
	Heading float64      `json:"heading"`
	Class   ServiceClass `json:"service_class"`
	Rating  float64      `json:"rating"` // 0..5
	Status  AgentStatus  `json:"status"`
	Updated time.Time    `json:"updated"`
}

// LocationReport is what the location-reporting collaborator sends.
type LocationReport struct {
	AgentID   string       `json:"agent_id"`
	Lat       float64      `json:"lat"`
	Lon       float64      `json:"lng"`
	Heading   float64      `json:"heading"`
	Class     ServiceClass `json:"service_class,omitempty"`
	Rating    float64      `json:"rating,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

func (r LocationReport) Coord() Coord { return Coord{Lat: r.Lat, Lon: r.Lon} }

type RequestState string

const (
	StateSearching    RequestState = "searching"
	StateOfferPending RequestState = "offer_pending"
	StateAssigned     RequestState = "assigned"
	StateFailed       RequestState = "failed"
	StateCancelled    RequestState = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RequestState) Terminal() bool {
	return s == StateAssigned || s == StateFailed || s == StateCancelled
}

// AllowedTransitions is the request state machine as code.
var AllowedTransitions = map[RequestState][]RequestState{
	StateSearching:    {StateOfferPending, StateAssigned, StateFailed, StateCancelled},
	StateOfferPending: {StateSearching, StateAssigned, StateFailed, StateCancelled},
}

func CanTransition(from, to RequestState) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type RideRequest struct {
	ID          string       `json:"id"`
	RiderID     string       `json:"rider_id"`
	Pickup      Coord        `json:"pickup"`
	Destination Coord        `json:"destination"`
	Class       ServiceClass `json:"service_class"`
	State       RequestState `json:"state"`
	AgentID     string       `json:"agent_id,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Deadline    time.Time    `json:"deadline"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type OfferOutcome string

const (
	OfferPending    OfferOutcome = "pending"
	OfferAccepted   OfferOutcome = "accepted"
	OfferRejected   OfferOutcome = "rejected"
	OfferExpired    OfferOutcome = "expired"
	OfferSuperseded OfferOutcome = "superseded"
)

type Offer struct {
	ID        string       `json:"id"`
	RequestID string       `json:"request_id"`
	AgentID   string       `json:"agent_id"`
	IssuedAt  time.Time    `json:"issued_at"`
	Deadline  time.Time    `json:"deadline"`
	Outcome   OfferOutcome `json:"outcome"`
	// Pickup and DistanceKm travel with the offer so the agent app can render it.
	Pickup     Coord   `json:"pickup"`
	DistanceKm float64 `json:"distance_km"`
}

// Candidate is one ranked match for a request.
type Candidate struct {
	AgentID    string    `json:"agent_id"`
	DistanceKm float64   `json:"distance_km"`
	Rating     float64   `json:"rating"`
	Updated    time.Time `json:"updated"`
}

// Event is emitted to notification collaborators on terminal transitions.
type Event struct {
	RequestID  string       `json:"request_id"`
	State      RequestState `json:"state"`
	AgentID    string       `json:"agent_id,omitempty"`
	ETASeconds float64      `json:"eta_seconds,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	At         time.Time    `json:"at"`
}

// OfferResponse is the agent's answer to an offer.
type OfferResponse struct {
	OfferID string `json:"offer_id"`
	AgentID string `json:"agent_id"`
	Accept  bool   `json:"accept"`
}
