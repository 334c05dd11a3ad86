// Package session implements the escrow session state machine.
//
// Every transition is checked against a static edge table and the role
// permitted to take the edge, then gated on both parties being present, and
// finally written together with its audit record in the caller's unit of
// work.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/idgen"
	"github.com/mbd888/cardescrow/internal/metrics"
)

var (
	ErrInvalidTransition    = apperr.New(apperr.InvalidTransition, "invalid_transition", "session cannot move to the requested status")
	ErrForbidden            = apperr.New(apperr.Forbidden, "transition_forbidden", "role is not allowed to perform this transition")
	ErrPresenceNotConfirmed = apperr.New(apperr.PresenceNotConfirmed, "presence_not_confirmed", "both buyer and seller must be checked in")
)

var (
	participants = []escrow.Role{escrow.RoleUser, escrow.RoleMerchant, escrow.RoleAdmin}
	staff        = []escrow.Role{escrow.RoleMerchant, escrow.RoleAdmin}
	settlement   = []escrow.Role{escrow.RoleAdmin, escrow.RoleSystem}
	rejecters    = []escrow.Role{escrow.RoleMerchant, escrow.RoleAdmin, escrow.RoleSystem}
	earlyCancel  = []escrow.Role{escrow.RoleUser, escrow.RoleMerchant, escrow.RoleAdmin, escrow.RoleSystem}
	lateCancel   = []escrow.Role{escrow.RoleMerchant, escrow.RoleAdmin, escrow.RoleSystem}
)

// edges maps source -> target -> roles allowed to take the edge.
var edges = map[escrow.SessionStatus]map[escrow.SessionStatus][]escrow.Role{
	escrow.SessionCreated: {
		escrow.SessionBooked:    participants,
		escrow.SessionCheckedIn: participants,
		escrow.SessionRejected:  rejecters,
		escrow.SessionCancelled: earlyCancel,
	},
	escrow.SessionBooked: {
		escrow.SessionCheckedIn: participants,
		escrow.SessionRejected:  rejecters,
		escrow.SessionCancelled: earlyCancel,
	},
	escrow.SessionCheckedIn: {
		escrow.SessionVerificationInProgress: staff,
		escrow.SessionRejected:               rejecters,
		escrow.SessionCancelled:              lateCancel,
	},
	escrow.SessionVerificationInProgress: {
		escrow.SessionVerificationPassed: staff,
		escrow.SessionRejected:           rejecters,
		escrow.SessionCancelled:          lateCancel,
	},
	escrow.SessionVerificationPassed: {
		escrow.SessionReleaseRequested: staff,
		escrow.SessionRejected:         rejecters,
		escrow.SessionCancelled:        lateCancel,
	},
	escrow.SessionReleaseRequested: {
		escrow.SessionCompleted: settlement,
		escrow.SessionRejected:  rejecters,
		escrow.SessionCancelled: lateCancel,
	},
}

// CanTransition reports whether the edge from -> to exists, regardless of role.
func CanTransition(from, to escrow.SessionStatus) bool {
	_, ok := edges[from][to]
	return ok
}

// Allowed reports whether role may take the edge from -> to.
func Allowed(from, to escrow.SessionStatus, role escrow.Role) bool {
	for _, r := range edges[from][to] {
		if r == role {
			return true
		}
	}
	return false
}

// requiresPresence reports whether the edge is gated on both parties being
// checked in.
func requiresPresence(from, to escrow.SessionStatus) bool {
	if to == escrow.SessionCancelled {
		return false
	}
	return to == escrow.SessionCheckedIn || from.AtOrAfterCheckIn()
}

// Request asks for one transition.
type Request struct {
	SessionID string
	Target    escrow.SessionStatus
	Actor     escrow.Actor
	Notes     string
}

// Machine applies session transitions.
type Machine struct {
	store  escrow.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a session state machine. The store is only used to
// read history; transitions run on the Tx passed by the caller.
func NewMachine(store escrow.Store, logger *slog.Logger) *Machine {
	return &Machine{store: store, logger: logger, now: time.Now}
}

// Transition locks the session and moves it to req.Target.
func (m *Machine) Transition(ctx context.Context, tx escrow.Tx, req Request) (*escrow.Session, error) {
	s, err := tx.LockSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if err := m.Apply(ctx, tx, s, req.Target, req.Actor, req.Notes); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply moves a session the caller has already locked in tx. On success s
// reflects the persisted state. Only the actor's role is checked here; the
// caller establishes that the actor belongs to the transaction.
func (m *Machine) Apply(ctx context.Context, tx escrow.Tx, s *escrow.Session, target escrow.SessionStatus, actor escrow.Actor, notes string) error {
	from := s.Status
	if !CanTransition(from, target) {
		return ErrInvalidTransition
	}
	if !Allowed(from, target, actor.Role) {
		return ErrForbidden
	}
	if requiresPresence(from, target) && !s.BothPresent() {
		return ErrPresenceNotConfirmed
	}

	now := m.now().UTC()
	if err := tx.AppendAudit(ctx, &escrow.SessionAudit{
		ID:         idgen.WithPrefix("aud_"),
		SessionID:  s.ID,
		FromStatus: from,
		ToStatus:   target,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		IP:         actor.IP,
		UserAgent:  actor.UserAgent,
		Notes:      notes,
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	next := *s
	next.Status = target
	next.UpdatedAt = now
	if target == escrow.SessionVerificationPassed {
		next.VerifiedBy = actor.ID
	}
	if notes != "" {
		next.Notes = notes
	}
	if err := tx.UpdateSession(ctx, &next); err != nil {
		return err
	}
	*s = next

	metrics.SessionTransitionsTotal.WithLabelValues(string(target)).Inc()
	m.logger.Info("session transition",
		"session", s.ID, "from", from, "to", target, "actor", actor.ID, "role", actor.Role)
	return nil
}

// History returns the audit trail of a session, oldest first.
func (m *Machine) History(ctx context.Context, sessionID string) ([]*escrow.SessionAudit, error) {
	return m.store.ListAudit(ctx, sessionID)
}
