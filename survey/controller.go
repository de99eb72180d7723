/*
controller.go - Phase transitions for a survey session

PURPOSE:
  The Controller applies participant actions to a Session. Each action
  checks its guard first, then writes its events to the log, then changes
  state. A rejected action changes nothing.

TRANSITIONS:
  consent -> contact -> intro -> dashboard
  dashboard -> assessment -> decision -> dashboard (next step) | ended

PERSISTENCE:
  Every event is written through to the store before the action returns.
  If a write fails the session is marked failed and every later action
  returns ErrSessionFailed; there is no in-memory fallback.

DELIVERY:
  Entering the ended phase sends the log snapshot to the Sink once. A
  failed delivery is logged and kept as an advisory; the session still
  ends normally and RetryDelivery may try again, up to
  MaxDeliveryAttempts in total. A sink that reports ErrDeliveryDisabled
  is never retried.

CANCELLATION:
  Log writes and deliveries run on a context detached from the caller's
  cancellation. A participant closing the tab mid-request must not turn
  into a persistence failure.

SEE ALSO:
  - state.go: Phase, State, Session
  - queries.go: read-only helpers for rendering
*/
package survey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/evac-survey/eventlog"
	"github.com/warp/evac-survey/logging"
	"github.com/warp/evac-survey/metrics"
	"github.com/warp/evac-survey/notify"
	"github.com/warp/evac-survey/scenario"
)

// DefaultScore is the slider position for a variable the participant left
// untouched.
const DefaultScore = 50

// NoReply is shown when a contact's policy has nothing for the current step.
const NoReply = "(no reply)"

// DefaultMaxDeliveryAttempts bounds how often one session's results are
// sent, counting the attempt made when the scenario ends.
const DefaultMaxDeliveryAttempts = 5

// Controller drives sessions through the scenario.
type Controller struct {
	Config *scenario.Config
	Store  eventlog.Store
	Sink   notify.Sink

	// Clock returns the current time; defaults to time.Now.
	Clock func() time.Time

	// ReplyDelay holds back a contact's reply until RevealReply. Zero logs
	// the reply as soon as the contact is opened.
	ReplyDelay time.Duration

	// MaxDeliveryAttempts caps deliveries per session. Zero means no cap.
	MaxDeliveryAttempts int

	Logger  logging.Logger
	Metrics *metrics.Collector
}

// NewController creates a controller with a real clock, no reply delay and
// no logging or metrics.
func NewController(cfg *scenario.Config, store eventlog.Store, sink notify.Sink) *Controller {
	if sink == nil {
		sink = notify.Disabled{}
	}
	return &Controller{
		Config: cfg,
		Store:  store,
		Sink:   sink,
		Clock:  time.Now,
		Logger: logging.Noop(),

		MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
	}
}

// =============================================================================
// SESSION START
// =============================================================================

// Start creates a session on the consent screen.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		state: newState(id),
		log:   eventlog.New(id, c.Store),
	}
	c.Metrics.SessionStarted()
	c.logger().Debug(ctx, "session started", logging.String("session_id", id))
	return s, nil
}

// =============================================================================
// PRE-SCENARIO SCREENS
// =============================================================================

// Consent accepts the consent form. Both boxes must be checked.
func (c *Controller) Consent(ctx context.Context, s *Session, read, agree bool) error {
	return c.do(ctx, s, "consent", func(op *op) error {
		if err := op.requirePhase(PhaseConsent); err != nil {
			return err
		}
		if !read || !agree {
			return op.reject("both consent boxes must be checked")
		}
		if err := op.emit(eventlog.KindConsentAccepted, nil); err != nil {
			return err
		}
		op.transition(PhaseContact)
		return nil
	})
}

// SubmitContact records the optional email and phone number.
func (c *Controller) SubmitContact(ctx context.Context, s *Session, email, phone string) error {
	return c.do(ctx, s, "submit_contact", func(op *op) error {
		if err := op.requirePhase(PhaseContact); err != nil {
			return err
		}
		email, phone = strings.TrimSpace(email), strings.TrimSpace(phone)
		if err := op.emit(eventlog.KindContactCollected, map[string]any{"email": email, "phone": phone}); err != nil {
			return err
		}
		op.st.Email, op.st.Phone = email, phone
		op.transition(PhaseIntro)
		return nil
	})
}

// Begin leaves the intro screen and starts the first step.
func (c *Controller) Begin(ctx context.Context, s *Session) error {
	return c.do(ctx, s, "begin", func(op *op) error {
		if err := op.requirePhase(PhaseIntro); err != nil {
			return err
		}
		if err := op.emit(eventlog.KindScenarioStarted, nil); err != nil {
			return err
		}
		op.st.DashboardStartTime = op.now
		op.transition(PhaseDashboard)
		return nil
	})
}

// =============================================================================
// DASHBOARD - tiles and contacts
// =============================================================================

// OpenTile opens a grid tile. Grid positions the control file does not
// define open with no content.
func (c *Controller) OpenTile(ctx context.Context, s *Session, id scenario.TileID) error {
	return c.do(ctx, s, "open_tile", func(op *op) error {
		if err := op.requirePhase(PhaseDashboard); err != nil {
			return err
		}
		if !inGrid(id) {
			return fmt.Errorf("%w: %s", ErrTileNotFound, id)
		}
		if op.st.OpenTile != "" {
			return op.reject("tile " + string(op.st.OpenTile) + " is still open")
		}
		label := c.Config.TileLabel(id)
		if err := op.emit(eventlog.KindTileViewed, map[string]any{"id": string(id), "label": label}); err != nil {
			return err
		}
		op.st.OpenTile = id
		op.st.TileOpenTime = op.now
		op.st.TilesOpenedThisStep[id] = true
		op.st.ViewedUpdates[id] = true
		op.clearContact()
		return nil
	})
}

// OpenContact messages a contact listed in the open social tile. Switching
// contacts logs the time spent on the previous one and drops any reply
// still pending for it.
func (c *Controller) OpenContact(ctx context.Context, s *Session, contactID string) error {
	return c.do(ctx, s, "open_contact", func(op *op) error {
		if err := op.requirePhase(PhaseDashboard); err != nil {
			return err
		}
		if op.st.OpenTile == "" {
			return op.reject("no tile is open")
		}
		tile, ok := c.Config.Tile(op.st.OpenTile)
		if !ok || !tile.IsSocial() {
			return op.reject("tile " + string(op.st.OpenTile) + " has no contacts")
		}
		contact, ok := tile.Contact(contactID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrContactNotFound, contactID)
		}
		reply, ok := c.Config.SocialReply(contact.ResponsePolicy, op.st.TimeIndex)
		if !ok {
			reply = NoReply
		}

		if err := op.closeContact(); err != nil {
			return err
		}
		if err := op.emit(eventlog.KindSocialMessageOpened, map[string]any{"contact": contact.Name}); err != nil {
			return err
		}
		op.st.CurrentContactID = contact.ID
		op.st.CurrentContact = contact.Name
		op.st.SocialOpenTime = op.now
		op.st.ContactReply = ""

		if c.ReplyDelay > 0 {
			op.st.PendingReply = &PendingReply{
				ContactID: contact.ID,
				Contact:   contact.Name,
				Reply:     reply,
				ReadyAt:   op.now.Add(c.ReplyDelay),
			}
			return nil
		}
		if err := op.emit(eventlog.KindSocialInteraction, map[string]any{"to": contact.Name, "reply": reply}); err != nil {
			return err
		}
		op.st.ContactReply = reply
		return nil
	})
}

// RevealReply shows a pending contact reply once its delay has passed.
func (c *Controller) RevealReply(ctx context.Context, s *Session) error {
	return c.do(ctx, s, "reveal_reply", func(op *op) error {
		if err := op.requirePhase(PhaseDashboard); err != nil {
			return err
		}
		p := op.st.PendingReply
		if p == nil {
			return op.reject("no reply is pending")
		}
		if op.now.Before(p.ReadyAt) {
			return op.reject("reply not ready yet")
		}
		if err := op.emit(eventlog.KindSocialInteraction, map[string]any{"to": p.Contact, "reply": p.Reply}); err != nil {
			return err
		}
		op.st.ContactReply = p.Reply
		op.st.PendingReply = nil
		return nil
	})
}

// CloseTile closes the open tile and logs the time spent on it and on any
// open contact.
func (c *Controller) CloseTile(ctx context.Context, s *Session) error {
	return c.do(ctx, s, "close_tile", func(op *op) error {
		if err := op.requirePhase(PhaseDashboard); err != nil {
			return err
		}
		if op.st.OpenTile == "" {
			return op.reject("no tile is open")
		}
		return op.closeOpen()
	})
}

// =============================================================================
// PREPARATION ACTIONS
// =============================================================================

// PerformPrep completes a preparation action available at the current step.
// Prep actions can be taken from the dashboard or the decision screen.
func (c *Controller) PerformPrep(ctx context.Context, s *Session, actionID string) error {
	return c.do(ctx, s, "perform_prep", func(op *op) error {
		if err := op.requirePhase(PhaseDashboard, PhaseDecision); err != nil {
			return err
		}
		action, ok := c.Config.PrepAction(actionID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrPrepActionNotFound, actionID)
		}
		if op.st.PrepCompleted(actionID) {
			return op.reject(actionID + " already completed")
		}
		if !c.Config.PrepAvailable(action, op.st.TimeIndex) {
			return op.reject(actionID + " is not available at this time")
		}
		if err := op.emit(eventlog.KindPrepActionCompleted, map[string]any{
			"action_id":              action.ID,
			"estimated_time_minutes": eventlog.Number(action.EstimatedTimeMinutes),
		}); err != nil {
			return err
		}
		op.st.CompletedPrepActions = append(op.st.CompletedPrepActions, action.ID)
		return nil
	})
}

// =============================================================================
// ASSESSMENT AND DECISION
// =============================================================================

// ProceedToAssessment leaves the dashboard. At least one tile must have
// been opened this step; an open tile or contact is closed first.
func (c *Controller) ProceedToAssessment(ctx context.Context, s *Session) error {
	return c.do(ctx, s, "proceed_to_assessment", func(op *op) error {
		if err := op.requirePhase(PhaseDashboard); err != nil {
			return err
		}
		if len(op.st.TilesOpenedThisStep) == 0 {
			return op.reject("open at least one information source first")
		}
		if err := op.closeOpen(); err != nil {
			return err
		}
		if err := op.emit(eventlog.KindDashboardTimeSpent, op.duration(op.st.DashboardStartTime)); err != nil {
			return err
		}
		op.st.AssessmentStartTime = op.now
		op.st.TilesOpenedThisStep = map[scenario.TileID]bool{}
		op.transition(PhaseAssessment)
		return nil
	})
}

// SubmitAssessment caches the slider values until the decision. Variables
// left out take the default score.
func (c *Controller) SubmitAssessment(ctx context.Context, s *Session, scores map[string]int) error {
	return c.do(ctx, s, "submit_assessment", func(op *op) error {
		if err := op.requirePhase(PhaseAssessment); err != nil {
			return err
		}
		cached, err := c.normalizeScores(scores)
		if err != nil {
			return err
		}
		if err := op.emit(eventlog.KindAssessmentTimeSpent, op.duration(op.st.AssessmentStartTime)); err != nil {
			return err
		}
		op.st.CachedAssessment = cached
		op.st.DecisionStartTime = op.now
		op.transition(PhaseDecision)
		return nil
	})
}

func (c *Controller) normalizeScores(scores map[string]int) (map[string]int, error) {
	known := make(map[string]bool, len(c.Config.AssessmentVariables))
	out := make(map[string]int, len(c.Config.AssessmentVariables))
	for _, v := range c.Config.AssessmentVariables {
		known[v] = true
		out[v] = DefaultScore
	}
	for k, v := range scores {
		if !known[k] {
			return nil, fmt.Errorf("%w: unknown variable %q", ErrInvalidScores, k)
		}
		if v < 0 || v > 100 {
			return nil, fmt.Errorf("%w: %q = %d, want 0..100", ErrInvalidScores, k, v)
		}
		out[k] = v
	}
	return out, nil
}

// Decide records the step's decision and either advances to the next step
// or ends the scenario.
func (c *Controller) Decide(ctx context.Context, s *Session, choice Choice) error {
	return c.do(ctx, s, "decide", func(op *op) error {
		if err := op.requirePhase(PhaseDecision); err != nil {
			return err
		}
		if !choice.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
		}
		if choice == ChoiceEvacuateFamily && op.st.FamilyEvacuated {
			return op.reject("family has already been evacuated")
		}

		if err := op.emit(eventlog.KindDecisionTimeSpent, op.duration(op.st.DecisionStartTime)); err != nil {
			return err
		}
		if err := op.emit(eventlog.KindHourlyDecision, map[string]any{
			"scores":                 op.st.CachedAssessment,
			"choice":                 string(choice),
			"completed_prep_actions": append([]string{}, op.st.CompletedPrepActions...),
		}); err != nil {
			return err
		}

		op.st.CachedAssessment = nil
		op.st.TimeIndex++
		op.st.TilesOpenedThisStep = map[scenario.TileID]bool{}
		op.st.ViewedUpdates = map[scenario.TileID]bool{}
		op.st.DashboardStartTime = op.now
		if choice == ChoiceEvacuateFamily {
			op.st.FamilyEvacuated = true
		}

		if reason := c.endReason(op.st, choice); reason != "" {
			return op.end(reason)
		}
		op.transition(PhaseDashboard)
		return nil
	})
}

func (c *Controller) endReason(st *State, choice Choice) string {
	switch {
	case choice == ChoiceEvacuateAll:
		return EndEvacuateAll
	case choice == ChoiceEvacuateFamily && c.Config.FamilyEvacuationEnds:
		return EndEvacuateFamily
	case st.TimeIndex >= len(c.Config.TimeSteps):
		return EndOfSteps
	case c.Config.EndOfWindow(st.TimeIndex):
		return EndOfDay
	}
	return ""
}

// =============================================================================
// RESULTS DELIVERY
// =============================================================================

// RetryDelivery re-sends the results of an ended session whose first
// delivery failed.
func (c *Controller) RetryDelivery(ctx context.Context, s *Session) error {
	return c.do(ctx, s, "retry_delivery", func(op *op) error {
		if err := op.requirePhase(PhaseEnded); err != nil {
			return err
		}
		switch {
		case op.st.ResultsDelivered:
			return op.reject("results already delivered")
		case op.st.DeliveryDisabled:
			return op.reject("results delivery is not configured")
		case !c.attemptsLeft(*op.st):
			return op.reject("no delivery attempts left")
		}
		return op.deliver()
	})
}

// NeedsDelivery reports whether an ended session's results should still
// be sent.
func (c *Controller) NeedsDelivery(st State) bool {
	return st.Phase == PhaseEnded && !st.Failed && !st.ResultsDelivered &&
		!st.DeliveryDisabled && c.attemptsLeft(st)
}

func (c *Controller) attemptsLeft(st State) bool {
	return c.MaxDeliveryAttempts <= 0 || st.DeliveryAttempts < c.MaxDeliveryAttempts
}

// =============================================================================
// OPERATION PLUMBING
// =============================================================================

// op carries one action's view of a locked session. ctx is the caller's
// context; durable is ctx without its cancellation, used for writes.
type op struct {
	ctx     context.Context
	durable context.Context
	c       *Controller
	s      *Session
	st     *State
	action string
	now    time.Time
}

func (c *Controller) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

func (c *Controller) logger() logging.Logger {
	if c.Logger == nil {
		return logging.Noop()
	}
	return c.Logger
}

func (c *Controller) do(ctx context.Context, s *Session, action string, fn func(*op) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Failed {
		return fmt.Errorf("%w: %s", ErrSessionFailed, s.ID())
	}
	o := &op{
		ctx:     ctx,
		durable: context.WithoutCancel(ctx),
		c:       c,
		s:       s,
		st:      &s.state,
		action:  action,
		now:     c.now(),
	}
	err := fn(o)
	if IsRejected(err) {
		c.Metrics.Rejected(action)
		c.logger().Debug(ctx, "action rejected",
			logging.String("session_id", s.ID()), logging.String("action", action), logging.Err(err))
	}
	return err
}

func (o *op) requirePhase(allowed ...Phase) error {
	for _, p := range allowed {
		if o.st.Phase == p {
			return nil
		}
	}
	return o.reject("not available here")
}

func (o *op) reject(reason string) error {
	return &GuardError{Action: o.action, Phase: o.st.Phase, Reason: reason}
}

func (o *op) transition(to Phase) {
	from := o.st.Phase
	o.st.Phase = to
	o.c.Metrics.Transition(from.String(), to.String())
}

// emit appends one event stamped with the current step. A failed write
// fails the session.
func (o *op) emit(kind eventlog.Kind, fields map[string]any) error {
	ev := eventlog.Event{Kind: kind, Timestamp: o.now, Fields: fields}
	if step, ok := o.c.Config.TimeAt(o.st.TimeIndex); ok {
		ev.TimeStep = &step
	}
	if err := o.s.log.Append(o.durable, ev); err != nil {
		o.fail(err)
		return fmt.Errorf("%w: %w", ErrSessionFailed, err)
	}
	o.c.Metrics.EventAppended(string(kind))
	return nil
}

func (o *op) fail(err error) {
	if !o.st.Failed && o.st.Phase != PhaseEnded {
		o.c.Metrics.SessionClosed()
	}
	o.st.Failed = true
	if o.st.ClosedAt.IsZero() {
		o.st.ClosedAt = o.now
	}
	o.c.Metrics.PersistFailed()
	o.c.logger().Error(o.ctx, "event log write failed, session abandoned",
		logging.String("session_id", o.s.ID()), logging.String("action", o.action), logging.Err(err))
}

func (o *op) duration(since time.Time) map[string]any {
	return map[string]any{"duration_seconds": eventlog.Seconds(o.now.Sub(since))}
}

// closeContact logs the time spent on the open contact, if any, and drops
// a reply that was never revealed.
func (o *op) closeContact() error {
	if o.st.CurrentContact != "" {
		fields := o.duration(o.st.SocialOpenTime)
		fields["contact"] = o.st.CurrentContact
		if err := o.emit(eventlog.KindSocialMessageTimeSpent, fields); err != nil {
			return err
		}
	}
	o.clearContact()
	return nil
}

func (o *op) clearContact() {
	o.st.CurrentContactID = ""
	o.st.CurrentContact = ""
	o.st.SocialOpenTime = time.Time{}
	o.st.ContactReply = ""
	o.st.PendingReply = nil
}

// closeOpen closes whatever tile and contact are open.
func (o *op) closeOpen() error {
	if o.st.OpenTile != "" {
		fields := o.duration(o.st.TileOpenTime)
		fields["id"] = string(o.st.OpenTile)
		if err := o.emit(eventlog.KindTileTimeSpent, fields); err != nil {
			return err
		}
	}
	if err := o.closeContact(); err != nil {
		return err
	}
	o.st.OpenTile = ""
	o.st.TileOpenTime = time.Time{}
	return nil
}

// end enters the terminal phase and delivers the results.
func (o *op) end(reason string) error {
	if err := o.emit(eventlog.KindScenarioEnded, map[string]any{"reason": reason}); err != nil {
		return err
	}
	o.st.ScenarioEnded = true
	o.st.EndReason = reason
	o.st.ClosedAt = o.now
	o.transition(PhaseEnded)
	o.c.Metrics.SessionClosed()
	o.c.logger().Info(o.ctx, "scenario ended",
		logging.String("session_id", o.s.ID()), logging.String("reason", reason), logging.Int("steps", o.st.TimeIndex))
	return o.deliver()
}

// deliver sends the log once. Sink failures are recorded, not returned.
func (o *op) deliver() error {
	snapshot, err := o.s.log.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot log: %w", err)
	}
	o.st.DeliveryAttempts++
	if err := o.c.Sink.Deliver(o.durable, o.s.ID(), snapshot); err != nil {
		o.c.Metrics.Delivered(false)
		o.c.logger().Warn(o.ctx, "results delivery failed",
			logging.String("session_id", o.s.ID()),
			logging.Int("attempt", o.st.DeliveryAttempts), logging.Err(err))
		if err := o.emit(eventlog.KindResultsEmailFailed, map[string]any{"error": err.Error()}); err != nil {
			return err
		}
		o.st.DeliveryError = err.Error()
		o.st.DeliveryDisabled = errors.Is(err, notify.ErrDeliveryDisabled)
		return nil
	}
	o.c.Metrics.Delivered(true)
	if err := o.emit(eventlog.KindResultsEmailed, nil); err != nil {
		return err
	}
	o.st.ResultsDelivered = true
	o.st.DeliveryError = ""
	return nil
}

func inGrid(id scenario.TileID) bool {
	n, err := strconv.Atoi(string(id))
	if err != nil {
		return false
	}
	return strconv.Itoa(n) == string(id) && n >= 1 && n <= scenario.GridSize
}
