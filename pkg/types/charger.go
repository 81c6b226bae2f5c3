package types

// Socket statuses reported by the vendor. The vendor follows the OCPP status
// vocabulary for the most part.
const (
	SocketStatusCharging     = "Charging"
	SocketStatusPreparing    = "Preparing"
	SocketStatusFinishing    = "Finishing"
	SocketStatusSuspendedEV  = "SuspendedEV"
	SocketStatusSuspendedCar = "SuspendedCAR"
)

// Simplified charge statuses derived from the raw socket status.
const (
	ChargeStatusCharging = "charging"
	ChargeStatusReady    = "ready"
	ChargeStatusStopped  = "stopped"
	ChargeStatusUnknown  = "unknown"
)

// Subscription is one charging subscription on the account. The charger block
// is absent for subscriptions without an assigned charging point.
type Subscription struct {
	ID                   string               `json:"id"`
	ChargingFacilityName string               `json:"chargingFacilityName,omitempty"`
	ParkingLot           *ParkingLot          `json:"parkingLot,omitempty"`
	Charger              *SubscriptionCharger `json:"charger,omitempty"`
}

type ParkingLot struct {
	Name string `json:"name,omitempty"`
}

type SubscriptionCharger struct {
	ChargerID string `json:"chargerId"`
}

// ChargerID returns the assigned charging point id, empty when the
// subscription has none.
func (s Subscription) ChargerID() string {
	if s.Charger == nil {
		return ""
	}
	return s.Charger.ChargerID
}

// ChargerState is the vendor's charging point detail response.
type ChargerState struct {
	IsCableLockedPermanently bool     `json:"isCableLockedPermanently"`
	Sockets                  []Socket `json:"sockets,omitempty"`
}

type Socket struct {
	Status string `json:"status,omitempty"`
}

// SocketStatus returns the raw status of the first socket. The second return
// is false when the charger reported no sockets, which callers must treat as
// unknown rather than an error.
func (s ChargerState) SocketStatus() (string, bool) {
	if len(s.Sockets) == 0 {
		return "", false
	}
	return s.Sockets[0].Status, true
}

// ChargeStatus simplifies the raw socket status for display.
func (s ChargerState) ChargeStatus() string {
	status, ok := s.SocketStatus()
	if !ok {
		return ChargeStatusUnknown
	}
	switch status {
	case SocketStatusCharging:
		return ChargeStatusCharging
	case SocketStatusPreparing:
		return ChargeStatusReady
	default:
		return ChargeStatusStopped
	}
}

// Charging reports whether current is actually flowing.
func (s ChargerState) Charging() bool {
	status, _ := s.SocketStatus()
	return status == SocketStatusCharging
}

// CarConnected reports whether a vehicle is plugged in, charging or not.
func (s ChargerState) CarConnected() bool {
	switch status, _ := s.SocketStatus(); status {
	case SocketStatusCharging, SocketStatusPreparing, SocketStatusFinishing, SocketStatusSuspendedCar:
		return true
	}
	return false
}

// SessionActive reports whether a charging session is running from the
// charger's point of view, including sessions the vehicle has paused.
func (s ChargerState) SessionActive() bool {
	switch status, _ := s.SocketStatus(); status {
	case SocketStatusCharging, SocketStatusSuspendedEV, SocketStatusFinishing:
		return true
	}
	return false
}

// CableLockOpen reports whether the cable can be removed. This is the
// inverse of the permanent-lock flag.
func (s ChargerState) CableLockOpen() bool {
	return !s.IsCableLockedPermanently
}

// Charger pairs a subscription with the last fetched state of its charging
// point. One snapshot entry per charger.
type Charger struct {
	Subscription Subscription `json:"subscription"`
	State        ChargerState `json:"state"`
}

// ID returns the charging point id this entry is keyed by.
func (c Charger) ID() string {
	return c.Subscription.ChargerID()
}

// Name returns a display name assembled from the facility and parking lot,
// falling back to the charger id when the account has neither.
func (c Charger) Name() string {
	facility := c.Subscription.ChargingFacilityName
	var lot string
	if c.Subscription.ParkingLot != nil {
		lot = c.Subscription.ParkingLot.Name
	}
	switch {
	case facility != "" && lot != "":
		return facility + " - " + lot
	case facility != "":
		return facility
	case lot != "":
		return "Parking " + lot
	default:
		return "Charger " + c.ID()
	}
}
