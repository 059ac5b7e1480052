package election

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/protocol"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

// ErrRoleAssignmentTimeout is wrapped by the error Tick returns when a node
// never acknowledged its ROLE_ASSIGNMENT.
var ErrRoleAssignmentTimeout = errors.New("role assignment not acknowledged")

// AssignerConfig tunes role assignment.
type AssignerConfig struct {
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	ReassessInterval    time.Duration `yaml:"reassess_interval"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
}

// DefaultAssignerConfig returns the field defaults.
func DefaultAssignerConfig() AssignerConfig {
	return AssignerConfig{
		AckTimeout:          5 * time.Second,
		MaxRetries:          3,
		ReassessInterval:    120 * time.Second,
		InitialBackoff:      time.Second,
		MaxBackoff:          16 * time.Second,
		RandomizationFactor: 0.2,
	}
}

// ApplyDefaults fills zero fields. A negative MaxRetries disables retries.
func (c *AssignerConfig) ApplyDefaults() {
	d := DefaultAssignerConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ReassessInterval <= 0 {
		c.ReassessInterval = d.ReassessInterval
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RandomizationFactor < 0 || c.RandomizationFactor >= 1 {
		c.RandomizationFactor = d.RandomizationFactor
	}
}

// Outbox accepts messages for transmission.
type Outbox interface {
	Enqueue(msg protocol.Message) error
}

type pending struct {
	role        model.Role
	attempts    int
	ackDeadline time.Time
	retryAt     time.Time // zero while waiting for an ack
	backoff     *backoff.ExponentialBackOff
}

type managed struct {
	key          materialKey
	role         model.Role // role last reported for the node
	lastAssessed time.Time
	pending      *pending
}

// AssignerStats counts assignment outcomes.
type AssignerStats struct {
	Issued    uint64
	Retried   uint64
	Acked     uint64
	Abandoned uint64
	Pending   int
}

// Assigner runs on the coordinator. It decides each managed node's optimal
// role, sends ROLE_ASSIGNMENT when that differs from the node's current
// role, and retries with exponential backoff until ROLE_ACK arrives or the
// retry budget is spent. Not safe for concurrent use.
type Assigner struct {
	cfg   AssignerConfig
	self  model.NodeID
	out   Outbox
	log   logging.Logger
	nodes map[model.NodeID]*managed
	stats AssignerStats
}

// NewAssigner creates an assigner issuing commands as self.
func NewAssigner(cfg AssignerConfig, self model.NodeID, out Outbox, log logging.Logger) *Assigner {
	cfg.ApplyDefaults()
	if log == nil {
		log = logging.Noop()
	}
	return &Assigner{
		cfg:   cfg,
		self:  self,
		out:   out,
		log:   log,
		nodes: make(map[model.NodeID]*managed),
	}
}

// Tick reassesses peers and drives outstanding assignments. peers should be
// the currently active peers. The returned error joins one
// ErrRoleAssignmentTimeout per node abandoned during this tick.
func (a *Assigner) Tick(now time.Time, peers []model.NetworkNode) error {
	seen := make(map[model.NodeID]struct{}, len(peers))
	var errs []error
	for _, p := range peers {
		if p.ID == a.self || !p.CapabilitiesKnown {
			continue
		}
		seen[p.ID] = struct{}{}

		m, known := a.nodes[p.ID]
		if !known {
			m = &managed{}
			a.nodes[p.ID] = m
		}
		key := keyOf(p.Capabilities)
		keyChanged := known && key != m.key
		roleChanged := known && p.Role != m.role
		m.key = key
		m.role = p.Role

		optimal := DetermineOptimalRole(p.Capabilities)
		if m.pending != nil && keyChanged && m.pending.role != optimal {
			a.log.Info(context.Background(), "Capabilities changed during assignment, retargeting",
				logging.Stringer("peer", p.ID),
				logging.Stringer("from", m.pending.role),
				logging.Stringer("to", optimal),
			)
			m.pending = nil
		}

		if m.pending == nil {
			due := !known || keyChanged || roleChanged || now.Sub(m.lastAssessed) >= a.cfg.ReassessInterval
			if !due {
				continue
			}
			m.lastAssessed = now
			if optimal != p.Role {
				a.issue(now, p.ID, p.Role, optimal, m)
			}
			continue
		}

		if err := a.drive(now, p.ID, m); err != nil {
			errs = append(errs, err)
		}
	}

	for id := range a.nodes {
		if _, ok := seen[id]; !ok {
			delete(a.nodes, id)
		}
	}
	return errors.Join(errs...)
}

func (a *Assigner) issue(now time.Time, id model.NodeID, current, role model.Role, m *managed) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.InitialBackoff
	bo.MaxInterval = a.cfg.MaxBackoff
	bo.RandomizationFactor = a.cfg.RandomizationFactor
	bo.MaxElapsedTime = 0
	bo.Reset()

	m.pending = &pending{role: role, backoff: bo}
	a.stats.Issued++
	a.log.Info(context.Background(), "Assigning role",
		logging.Stringer("peer", id),
		logging.Stringer("from", current),
		logging.Stringer("to", role),
	)
	a.send(now, id, m.pending)
}

func (a *Assigner) send(now time.Time, id model.NodeID, p *pending) {
	p.attempts++
	p.ackDeadline = now.Add(a.cfg.AckTimeout)
	p.retryAt = time.Time{}
	if err := a.out.Enqueue(protocol.RoleAssignment(a.self, id, p.role)); err != nil {
		a.log.Warn(context.Background(), "Failed to queue role assignment", logging.Stringer("peer", id), logging.Err(err))
	}
}

func (a *Assigner) drive(now time.Time, id model.NodeID, m *managed) error {
	p := m.pending
	if p.retryAt.IsZero() {
		if now.Before(p.ackDeadline) {
			return nil
		}
		if p.attempts > a.cfg.MaxRetries {
			m.pending = nil
			m.lastAssessed = now
			a.stats.Abandoned++
			err := fmt.Errorf("%s as %s after %d attempts: %w", id, p.role, p.attempts, ErrRoleAssignmentTimeout)
			a.log.Warn(context.Background(), "Role assignment abandoned", logging.Stringer("peer", id), logging.Err(err))
			return err
		}
		p.retryAt = now.Add(p.backoff.NextBackOff())
		return nil
	}
	if now.Before(p.retryAt) {
		return nil
	}
	a.stats.Retried++
	a.log.Debug(context.Background(), "Retrying role assignment",
		logging.Stringer("peer", id),
		logging.Int("attempt", p.attempts+1),
	)
	a.send(now, id, p)
	return nil
}

// HandleAck matches a ROLE_ACK against the outstanding assignment for its
// source. It returns the confirmed role and true when the ack completes an
// assignment.
func (a *Assigner) HandleAck(msg protocol.Message) (model.Role, bool) {
	if msg.Type != protocol.TypeRoleAck {
		return 0, false
	}
	m, ok := a.nodes[msg.Source]
	if !ok || m.pending == nil || m.pending.role != msg.Role {
		return 0, false
	}
	m.pending = nil
	a.stats.Acked++
	a.log.Info(context.Background(), "Role acknowledged",
		logging.Stringer("peer", msg.Source),
		logging.Stringer("role", msg.Role),
	)
	return msg.Role, true
}

// Pending returns the role awaiting acknowledgment from id, if any.
func (a *Assigner) Pending(id model.NodeID) (model.Role, bool) {
	m, ok := a.nodes[id]
	if !ok || m.pending == nil {
		return 0, false
	}
	return m.pending.role, true
}

// Reset forgets every managed node, used when the local node stops being
// coordinator.
func (a *Assigner) Reset() {
	a.nodes = make(map[model.NodeID]*managed)
}

// Stats returns assignment counters.
func (a *Assigner) Stats() AssignerStats {
	s := a.stats
	for _, m := range a.nodes {
		if m.pending != nil {
			s.Pending++
		}
	}
	return s
}
