package survey_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/evac-survey/eventlog"
	"github.com/warp/evac-survey/eventlog/store"
	"github.com/warp/evac-survey/metrics"
	"github.com/warp/evac-survey/notify"
	"github.com/warp/evac-survey/scenario"
	"github.com/warp/evac-survey/store/sqlite"
	"github.com/warp/evac-survey/survey"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

type recordingSink struct {
	calls []string
	fail  error
}

func (r *recordingSink) Deliver(_ context.Context, sessionID string, snapshot []byte) error {
	r.calls = append(r.calls, sessionID)
	return r.fail
}

type harness struct {
	ctrl  *survey.Controller
	store *store.Memory
	sink  *recordingSink
	clock *fakeClock
}

func loadConfig(t *testing.T) *scenario.Config {
	t.Helper()
	cfg, err := scenario.Load("../scenario/testdata/control.json")
	require.NoError(t, err)
	return cfg
}

func newHarness(t *testing.T, cfg *scenario.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = loadConfig(t)
	}
	h := &harness{
		store: store.NewMemory(),
		sink:  &recordingSink{},
		clock: &fakeClock{t: time.Date(2026, 7, 4, 14, 0, 0, 0, time.UTC)},
	}
	h.ctrl = survey.NewController(cfg, h.store, h.sink)
	h.ctrl.Clock = h.clock.Now
	return h
}

// onDashboard starts a session and walks it through consent, contact and
// intro.
func (h *harness) onDashboard(t *testing.T) *survey.Session {
	t.Helper()
	ctx := context.Background()
	s, err := h.ctrl.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Consent(ctx, s, true, true))
	require.NoError(t, h.ctrl.SubmitContact(ctx, s, " p@example.org ", ""))
	require.NoError(t, h.ctrl.Begin(ctx, s))
	require.Equal(t, survey.PhaseDashboard, s.State().Phase)
	return s
}

// finishStep opens a tile, goes through assessment and decides.
func (h *harness) finishStep(t *testing.T, s *survey.Session, choice survey.Choice) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "4"))
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))
	require.NoError(t, h.ctrl.SubmitAssessment(ctx, s, nil))
	require.NoError(t, h.ctrl.Decide(ctx, s, choice))
}

func kinds(events []eventlog.Event) []eventlog.Kind {
	out := make([]eventlog.Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func countKind(events []eventlog.Event, k eventlog.Kind) int {
	n := 0
	for _, e := range events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// =============================================================================
// PRE-SCENARIO SCREENS
// =============================================================================

func TestConsent_RequiresBothBoxes(t *testing.T) {
	// GIVEN: a new session
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.ctrl.Start(ctx)
	require.NoError(t, err)

	// WHEN: only one box is checked
	err = h.ctrl.Consent(ctx, s, true, false)

	// THEN: the action is rejected and nothing is logged
	assert.ErrorIs(t, err, survey.ErrRejected)
	var guard *survey.GuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "consent", guard.Action)
	assert.Equal(t, survey.PhaseConsent, s.State().Phase)
	assert.Zero(t, s.Log().Len())
}

func TestPreScenarioScreens_LogInOrder(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	events := s.Log().Events()
	assert.Equal(t, []eventlog.Kind{
		eventlog.KindConsentAccepted,
		eventlog.KindContactCollected,
		eventlog.KindScenarioStarted,
	}, kinds(events))
	assert.Equal(t, "p@example.org", events[1].Fields["email"])
	assert.Equal(t, "p@example.org", s.State().Email)
	require.NotNil(t, events[0].TimeStep)
	assert.Equal(t, scenario.TimeValue("0"), *events[0].TimeStep)
}

func TestActionsOutOfPhaseAreRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.ctrl.Start(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, h.ctrl.Begin(ctx, s), survey.ErrRejected)
	assert.ErrorIs(t, h.ctrl.OpenTile(ctx, s, "1"), survey.ErrRejected)
	assert.ErrorIs(t, h.ctrl.Decide(ctx, s, survey.ChoiceStay), survey.ErrRejected)
	assert.Zero(t, s.Log().Len())
}

// =============================================================================
// DASHBOARD
// =============================================================================

func TestStayFlow_AdvancesOneStep(t *testing.T) {
	// GIVEN: a session on the dashboard at step 0
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)

	// WHEN: tile 1 is opened
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "1"))

	// THEN: it is logged and recorded as viewed
	st := s.State()
	assert.Equal(t, scenario.TileID("1"), st.OpenTile)
	assert.True(t, st.ViewedUpdates["1"])
	assert.False(t, h.ctrl.IsNew(st, "1"))
	assert.True(t, h.ctrl.IsNew(st, "2"))

	// WHEN: it is closed after 12.5 seconds
	h.clock.Advance(12500 * time.Millisecond)
	require.NoError(t, h.ctrl.CloseTile(ctx, s))

	events := s.Log().Events()
	last := events[len(events)-1]
	assert.Equal(t, eventlog.KindTileTimeSpent, last.Kind)
	assert.Equal(t, "1", last.Fields["id"])
	assert.Equal(t, eventlog.Seconds(12500*time.Millisecond), last.Fields["duration_seconds"])

	// WHEN: the participant assesses with default sliders and stays
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))
	assert.Equal(t, survey.PhaseAssessment, s.State().Phase)
	require.NoError(t, h.ctrl.SubmitAssessment(ctx, s, nil))
	st = s.State()
	assert.Equal(t, survey.PhaseDecision, st.Phase)
	for _, v := range h.ctrl.Config.AssessmentVariables {
		assert.Equal(t, survey.DefaultScore, st.CachedAssessment[v])
	}
	require.NoError(t, h.ctrl.Decide(ctx, s, survey.ChoiceStay))

	// THEN: the next step starts with clean per-step sets
	st = s.State()
	assert.Equal(t, 1, st.TimeIndex)
	assert.Equal(t, survey.PhaseDashboard, st.Phase)
	assert.Empty(t, st.TilesOpenedThisStep)
	assert.Empty(t, st.ViewedUpdates)
	assert.Nil(t, st.CachedAssessment)

	decision := s.Log().Events()[s.Log().Len()-1]
	assert.Equal(t, eventlog.KindHourlyDecision, decision.Kind)
	assert.Equal(t, "stay", decision.Fields["choice"])
	require.NotNil(t, decision.TimeStep)
	assert.Equal(t, scenario.TimeValue("0"), *decision.TimeStep)
}

func TestOpenTile_GridLockedWhileOpen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "1"))
	before := s.Log().Len()

	err := h.ctrl.OpenTile(ctx, s, "2")

	assert.ErrorIs(t, err, survey.ErrRejected)
	assert.Equal(t, scenario.TileID("1"), s.State().OpenTile)
	assert.Equal(t, before, s.Log().Len())
}

func TestOpenTile_OutsideGridIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	for _, id := range []scenario.TileID{"0", "17", "01", "abc"} {
		err := h.ctrl.OpenTile(context.Background(), s, id)
		assert.ErrorIs(t, err, survey.ErrTileNotFound, "tile %s", id)
		assert.True(t, survey.IsNotFound(err))
	}
}

func TestOpenTile_UndefinedGridSlotHasNoContent(t *testing.T) {
	cfg := loadConfig(t)
	delete(cfg.Tiles, "7")
	h := newHarness(t, cfg)
	s := h.onDashboard(t)

	require.NoError(t, h.ctrl.OpenTile(context.Background(), s, "7"))

	st := s.State()
	assert.Nil(t, cfg.ContentAt("7", st.TimeIndex))
	assert.False(t, h.ctrl.HasNewUpdate(st, "7"))
	last := s.Log().Events()[s.Log().Len()-1]
	assert.Equal(t, "Information source 7", last.Fields["label"])
}

func TestCloseTile_NothingOpenIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	assert.ErrorIs(t, h.ctrl.CloseTile(context.Background(), s), survey.ErrRejected)
}

func TestProceed_RequiresATileThisStep(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	assert.False(t, h.ctrl.CanProceed(s.State()))
	err := h.ctrl.ProceedToAssessment(context.Background(), s)

	assert.ErrorIs(t, err, survey.ErrRejected)
	assert.Equal(t, survey.PhaseDashboard, s.State().Phase)
}

func TestProceed_ClosesOpenTileAndClearsStepSet(t *testing.T) {
	// GIVEN: a tile left open on the dashboard
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "2"))
	h.clock.Advance(3 * time.Second)

	// WHEN: the participant proceeds
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))

	// THEN: the tile time is logged before the dashboard time
	events := s.Log().Events()
	n := len(events)
	assert.Equal(t, eventlog.KindTileTimeSpent, events[n-2].Kind)
	assert.Equal(t, eventlog.KindDashboardTimeSpent, events[n-1].Kind)
	assert.Equal(t, threeSeconds, events[n-1].Fields["duration_seconds"])

	st := s.State()
	assert.Empty(t, st.OpenTile)
	assert.True(t, st.TileOpenTime.IsZero())
	assert.Empty(t, st.TilesOpenedThisStep)
}

var threeSeconds = eventlog.Seconds(3 * time.Second)

// =============================================================================
// SOCIAL CONTACTS
// =============================================================================

func TestOpenContact_ImmediateReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))

	require.NoError(t, h.ctrl.OpenContact(ctx, s, "neighbor"))

	events := s.Log().Events()
	n := len(events)
	assert.Equal(t, eventlog.KindSocialMessageOpened, events[n-2].Kind)
	assert.Equal(t, "Neighbor Sam", events[n-2].Fields["contact"])
	assert.Equal(t, eventlog.KindSocialInteraction, events[n-1].Kind)
	assert.Equal(t, "I saw smoke too, keep an eye on it.", events[n-1].Fields["reply"])
	assert.Equal(t, "I saw smoke too, keep an eye on it.", s.State().ContactReply)
}

func TestOpenContact_SwitchingLogsPreviousContactTime(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))
	require.NoError(t, h.ctrl.OpenContact(ctx, s, "neighbor"))
	h.clock.Advance(3 * time.Second)

	require.NoError(t, h.ctrl.OpenContact(ctx, s, "sister"))

	events := s.Log().Events()
	var spent eventlog.Event
	for _, e := range events {
		if e.Kind == eventlog.KindSocialMessageTimeSpent {
			spent = e
		}
	}
	assert.Equal(t, "Neighbor Sam", spent.Fields["contact"])
	assert.Equal(t, threeSeconds, spent.Fields["duration_seconds"])
	assert.Equal(t, "Sister", s.State().CurrentContact)
}

func TestOpenContact_RequiresSocialTile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)

	assert.ErrorIs(t, h.ctrl.OpenContact(ctx, s, "neighbor"), survey.ErrRejected)

	require.NoError(t, h.ctrl.OpenTile(ctx, s, "1"))
	assert.ErrorIs(t, h.ctrl.OpenContact(ctx, s, "neighbor"), survey.ErrRejected)
}

func TestOpenContact_UnknownContact(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))

	assert.ErrorIs(t, h.ctrl.OpenContact(ctx, s, "mayor"), survey.ErrContactNotFound)
}

func TestOpenContact_MissingPolicyFallsBack(t *testing.T) {
	cfg := loadConfig(t)
	delete(cfg.SocialResponsePolicies, "calm")
	h := newHarness(t, cfg)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))

	require.NoError(t, h.ctrl.OpenContact(ctx, s, "sister"))

	assert.Equal(t, survey.NoReply, s.State().ContactReply)
}

func TestDelayedReply_RevealAfterDelay(t *testing.T) {
	// GIVEN: replies take two seconds
	h := newHarness(t, nil)
	h.ctrl.ReplyDelay = 2 * time.Second
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))

	// WHEN: a contact is opened
	require.NoError(t, h.ctrl.OpenContact(ctx, s, "neighbor"))

	// THEN: only the open is logged and the reply is pending
	assert.Zero(t, countKind(s.Log().Events(), eventlog.KindSocialInteraction))
	require.NotNil(t, s.State().PendingReply)

	// AND: revealing early is rejected
	assert.ErrorIs(t, h.ctrl.RevealReply(ctx, s), survey.ErrRejected)

	// WHEN: the delay passes
	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.ctrl.RevealReply(ctx, s))

	// THEN: the interaction is logged once
	assert.Equal(t, 1, countKind(s.Log().Events(), eventlog.KindSocialInteraction))
	st := s.State()
	assert.Nil(t, st.PendingReply)
	assert.Equal(t, "I saw smoke too, keep an eye on it.", st.ContactReply)
}

func TestDelayedReply_CloseDiscardsPending(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.ReplyDelay = 2 * time.Second
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))
	require.NoError(t, h.ctrl.OpenContact(ctx, s, "neighbor"))

	require.NoError(t, h.ctrl.CloseTile(ctx, s))
	h.clock.Advance(5 * time.Second)

	assert.Nil(t, s.State().PendingReply)
	assert.ErrorIs(t, h.ctrl.RevealReply(ctx, s), survey.ErrRejected)
	events := s.Log().Events()
	assert.Zero(t, countKind(events, eventlog.KindSocialInteraction))
	assert.Equal(t, 1, countKind(events, eventlog.KindSocialMessageTimeSpent))
}

func TestDelayedReply_SwitchContactDiscardsPending(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.ReplyDelay = 2 * time.Second
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))
	require.NoError(t, h.ctrl.OpenContact(ctx, s, "neighbor"))

	require.NoError(t, h.ctrl.OpenContact(ctx, s, "sister"))
	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.ctrl.RevealReply(ctx, s))

	var replies []any
	for _, e := range s.Log().Events() {
		if e.Kind == eventlog.KindSocialInteraction {
			replies = append(replies, e.Fields["to"])
		}
	}
	assert.Equal(t, []any{"Sister"}, replies)
}

// =============================================================================
// PREPARATION ACTIONS
// =============================================================================

func TestPerformPrep_OnlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)

	require.NoError(t, h.ctrl.PerformPrep(ctx, s, "pack_bags"))
	err := h.ctrl.PerformPrep(ctx, s, "pack_bags")

	assert.ErrorIs(t, err, survey.ErrRejected)
	st := s.State()
	assert.Equal(t, []string{"pack_bags"}, st.CompletedPrepActions)
	assert.Equal(t, 1, countKind(s.Log().Events(), eventlog.KindPrepActionCompleted))
	assert.True(t, decimal.NewFromInt(30).Equal(h.ctrl.PrepMinutesCommitted(st)))
}

func TestPerformPrep_WindowClosedAtLaterStep(t *testing.T) {
	// GIVEN: pack_bags is available from step 0 until step 1
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	h.finishStep(t, s, survey.ChoiceStay)
	h.finishStep(t, s, survey.ChoiceStay)
	require.Equal(t, 2, s.State().TimeIndex)

	// WHEN / THEN: at step 2 it is neither offered nor performable
	for _, a := range h.ctrl.AvailablePrepActions(s.State()) {
		assert.NotEqual(t, "pack_bags", a.ID)
	}
	err := h.ctrl.PerformPrep(ctx, s, "pack_bags")
	assert.ErrorIs(t, err, survey.ErrRejected)

	// AND: load_car (1..2) still is
	require.NoError(t, h.ctrl.PerformPrep(ctx, s, "load_car"))
}

func TestPerformPrep_AllowedOnDecisionScreen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "1"))
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))

	assert.ErrorIs(t, h.ctrl.PerformPrep(ctx, s, "water_roof"), survey.ErrRejected)

	require.NoError(t, h.ctrl.SubmitAssessment(ctx, s, nil))
	require.NoError(t, h.ctrl.PerformPrep(ctx, s, "water_roof"))
}

func TestPerformPrep_UnknownAction(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	err := h.ctrl.PerformPrep(context.Background(), s, "build_bunker")

	assert.ErrorIs(t, err, survey.ErrPrepActionNotFound)
}

// =============================================================================
// ASSESSMENT AND DECISION
// =============================================================================

func TestSubmitAssessment_ValidatesScores(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "1"))
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))
	variable := h.ctrl.Config.AssessmentVariables[0]

	err := h.ctrl.SubmitAssessment(ctx, s, map[string]int{variable: 101})
	assert.ErrorIs(t, err, survey.ErrInvalidScores)
	assert.True(t, survey.IsClientError(err))

	err = h.ctrl.SubmitAssessment(ctx, s, map[string]int{"mood": 10})
	assert.ErrorIs(t, err, survey.ErrInvalidScores)
	assert.Equal(t, survey.PhaseAssessment, s.State().Phase)

	require.NoError(t, h.ctrl.SubmitAssessment(ctx, s, map[string]int{variable: 80}))
	assert.Equal(t, 80, s.State().CachedAssessment[variable])
}

func TestDecide_InvalidChoice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "1"))
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))
	require.NoError(t, h.ctrl.SubmitAssessment(ctx, s, nil))

	assert.ErrorIs(t, h.ctrl.Decide(ctx, s, "panic"), survey.ErrInvalidChoice)
	assert.Equal(t, survey.PhaseDecision, s.State().Phase)
}

func TestEvacuateAll_EndsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	h.finishStep(t, s, survey.ChoiceEvacuateAll)

	st := s.State()
	assert.Equal(t, survey.PhaseEnded, st.Phase)
	assert.True(t, st.ScenarioEnded)
	assert.Equal(t, survey.EndEvacuateAll, st.EndReason)
	assert.Equal(t, 1, st.TimeIndex)
	assert.True(t, st.ResultsDelivered)
	assert.Len(t, h.sink.calls, 1)

	events := s.Log().Events()
	assert.Equal(t, eventlog.KindResultsEmailed, events[len(events)-1].Kind)
	assert.Equal(t, eventlog.KindScenarioEnded, events[len(events)-2].Kind)
}

func TestScenarioEnded_StampedWithFollowingStep(t *testing.T) {
	// GIVEN: a participant evacuating at the first step
	h := newHarness(t, nil)
	cfg := h.ctrl.Config
	s := h.onDashboard(t)

	// WHEN: the decision ends the scenario
	h.finishStep(t, s, survey.ChoiceEvacuateAll)

	// THEN: the decision carries its own step; the end and delivery
	// events carry the step after it
	byKind := map[eventlog.Kind]eventlog.Event{}
	for _, e := range s.Log().Events() {
		byKind[e.Kind] = e
	}
	require.NotNil(t, byKind[eventlog.KindHourlyDecision].TimeStep)
	assert.Equal(t, cfg.TimeSteps[0], *byKind[eventlog.KindHourlyDecision].TimeStep)
	require.NotNil(t, byKind[eventlog.KindScenarioEnded].TimeStep)
	assert.Equal(t, cfg.TimeSteps[1], *byKind[eventlog.KindScenarioEnded].TimeStep)
	require.NotNil(t, byKind[eventlog.KindResultsEmailed].TimeStep)
	assert.Equal(t, cfg.TimeSteps[1], *byKind[eventlog.KindResultsEmailed].TimeStep)
}

func TestEvacuateFamily_EndsByDefault(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)

	h.finishStep(t, s, survey.ChoiceEvacuateFamily)

	st := s.State()
	assert.Equal(t, survey.PhaseEnded, st.Phase)
	assert.True(t, st.FamilyEvacuated)
	assert.ErrorIs(t, h.ctrl.Decide(ctx, s, survey.ChoiceEvacuateFamily), survey.ErrRejected)
	assert.Equal(t, 1, countKind(s.Log().Events(), eventlog.KindHourlyDecision))
}

func TestEvacuateFamily_SecondAttemptRejectedWhenScenarioContinues(t *testing.T) {
	// GIVEN: family evacuation does not end the scenario
	cfg := loadConfig(t)
	cfg.FamilyEvacuationEnds = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	s := h.onDashboard(t)

	// WHEN: the family is evacuated at step 0
	h.finishStep(t, s, survey.ChoiceEvacuateFamily)
	st := s.State()
	require.Equal(t, survey.PhaseDashboard, st.Phase)
	require.True(t, st.FamilyEvacuated)

	// AND: the participant tries again at step 1
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "1"))
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))
	require.NoError(t, h.ctrl.SubmitAssessment(ctx, s, nil))
	before := s.Log().Len()
	err := h.ctrl.Decide(ctx, s, survey.ChoiceEvacuateFamily)

	// THEN: it is rejected with no new events
	assert.ErrorIs(t, err, survey.ErrRejected)
	assert.Equal(t, before, s.Log().Len())
	st = s.State()
	assert.True(t, st.FamilyEvacuated)
	assert.Equal(t, survey.PhaseDecision, st.Phase)
	assert.Equal(t, 1, st.TimeIndex)
}

func TestStepsExhausted_EndsScenario(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	h.finishStep(t, s, survey.ChoiceStay)
	h.finishStep(t, s, survey.ChoiceStay)
	h.finishStep(t, s, survey.ChoiceStay)

	st := s.State()
	assert.Equal(t, survey.PhaseEnded, st.Phase)
	assert.Equal(t, survey.EndOfSteps, st.EndReason)
	assert.Equal(t, 3, st.TimeIndex)

	// scenario_ended is past the last step, so its time_step is null
	for _, e := range s.Log().Events() {
		if e.Kind == eventlog.KindScenarioEnded {
			assert.Nil(t, e.TimeStep)
		}
	}
}

func TestEndOfDay_EndsBeforeStepsRunOut(t *testing.T) {
	cfg := loadConfig(t)
	cfg.EndOfDayHour = 15
	h := newHarness(t, cfg)
	s := h.onDashboard(t)

	h.finishStep(t, s, survey.ChoiceStay)

	st := s.State()
	assert.Equal(t, survey.PhaseEnded, st.Phase)
	assert.Equal(t, survey.EndOfDay, st.EndReason)
	assert.Equal(t, 1, st.TimeIndex)
}

func TestTimeIndex_OnlyMovesOnDecision(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s := h.onDashboard(t)

	prev := s.State().TimeIndex
	check := func() {
		cur := s.State().TimeIndex
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	require.NoError(t, h.ctrl.OpenTile(ctx, s, "16"))
	check()
	require.NoError(t, h.ctrl.OpenContact(ctx, s, "sister"))
	check()
	require.NoError(t, h.ctrl.CloseTile(ctx, s))
	check()
	require.NoError(t, h.ctrl.PerformPrep(ctx, s, "water_roof"))
	check()
	require.NoError(t, h.ctrl.ProceedToAssessment(ctx, s))
	check()
	require.NoError(t, h.ctrl.SubmitAssessment(ctx, s, nil))
	assert.Equal(t, 0, s.State().TimeIndex)
	require.NoError(t, h.ctrl.Decide(ctx, s, survey.ChoiceStay))
	assert.Equal(t, 1, s.State().TimeIndex)
}

// =============================================================================
// RESULTS DELIVERY
// =============================================================================

func TestDeliveryFailure_IsSoft(t *testing.T) {
	// GIVEN: a sink that fails once
	h := newHarness(t, nil)
	h.sink.fail = errors.New("smtp unavailable")
	ctx := context.Background()
	s := h.onDashboard(t)

	// WHEN: the scenario ends
	h.finishStep(t, s, survey.ChoiceEvacuateAll)

	// THEN: the session still completes with an advisory
	st := s.State()
	assert.Equal(t, survey.PhaseEnded, st.Phase)
	assert.False(t, st.ResultsDelivered)
	assert.Equal(t, "smtp unavailable", st.DeliveryError)
	events := s.Log().Events()
	last := events[len(events)-1]
	assert.Equal(t, eventlog.KindResultsEmailFailed, last.Kind)
	assert.Equal(t, "smtp unavailable", last.Fields["error"])

	// WHEN: delivery is retried and succeeds
	h.sink.fail = nil
	require.NoError(t, h.ctrl.RetryDelivery(ctx, s))

	// THEN: it is delivered once and cannot be sent again
	st = s.State()
	assert.True(t, st.ResultsDelivered)
	assert.Empty(t, st.DeliveryError)
	assert.Len(t, h.sink.calls, 2)
	assert.ErrorIs(t, h.ctrl.RetryDelivery(ctx, s), survey.ErrRejected)
	assert.Len(t, h.sink.calls, 2)
}

func TestDeliveryDisabled_IsNotRetried(t *testing.T) {
	// GIVEN: no way to send results
	h := newHarness(t, nil)
	h.ctrl.Sink = notify.Disabled{}
	ctx := context.Background()
	s := h.onDashboard(t)

	// WHEN: the scenario ends
	h.finishStep(t, s, survey.ChoiceEvacuateAll)

	// THEN: one failure is logged and no retry is offered
	st := s.State()
	assert.True(t, st.DeliveryDisabled)
	assert.Equal(t, 1, st.DeliveryAttempts)
	assert.False(t, h.ctrl.NeedsDelivery(st))
	before := s.Log().Len()
	assert.ErrorIs(t, h.ctrl.RetryDelivery(ctx, s), survey.ErrRejected)
	assert.Equal(t, before, s.Log().Len())
	assert.Equal(t, 1, countKind(s.Log().Events(), eventlog.KindResultsEmailFailed))
}

func TestRetryDelivery_CappedByMaxAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.ctrl.MaxDeliveryAttempts = 2
	h.sink.fail = errors.New("smtp unavailable")
	ctx := context.Background()
	s := h.onDashboard(t)
	h.finishStep(t, s, survey.ChoiceEvacuateAll)

	require.NoError(t, h.ctrl.RetryDelivery(ctx, s))
	assert.ErrorIs(t, h.ctrl.RetryDelivery(ctx, s), survey.ErrRejected)

	assert.Len(t, h.sink.calls, 2)
	assert.Equal(t, 2, s.State().DeliveryAttempts)
	assert.False(t, s.State().ClosedAt.IsZero())
}

func TestRetryDelivery_OnlyWhenEnded(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)

	assert.ErrorIs(t, h.ctrl.RetryDelivery(context.Background(), s), survey.ErrRejected)
	assert.Empty(t, h.sink.calls)
}

func TestDeliverySnapshotMatchesStore(t *testing.T) {
	h := newHarness(t, nil)
	var delivered []byte
	h.ctrl.Sink = notify.SinkFunc(func(_ context.Context, _ string, snapshot []byte) error {
		delivered = snapshot
		return nil
	})
	s := h.onDashboard(t)

	h.finishStep(t, s, survey.ChoiceEvacuateAll)

	events, err := eventlog.Decode(delivered)
	require.NoError(t, err)
	assert.Equal(t, eventlog.KindScenarioEnded, events[len(events)-1].Kind)
}

// =============================================================================
// PERSISTENCE FAILURE
// =============================================================================

func TestCancelledRequest_DoesNotFailSession(t *testing.T) {
	// GIVEN: a SQLite-backed controller
	st, err := sqlite.New(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctrl := survey.NewController(loadConfig(t), st, notify.SinkFunc(
		func(ctx context.Context, _ string, _ []byte) error { return ctx.Err() }))

	s, err := ctrl.Start(context.Background())
	require.NoError(t, err)

	// WHEN: the participant's request is cancelled mid-action
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, ctrl.Consent(cancelled, s, true, true))

	// THEN: the event is saved and the session carries on
	assert.False(t, s.State().Failed)
	saved, err := st.Load(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Len(t, saved, s.Log().Len())
	require.NoError(t, ctrl.SubmitContact(context.Background(), s, "p@example.org", ""))
	require.NoError(t, ctrl.Begin(cancelled, s))

	// AND: results sent during a cancelled request still go out
	require.NoError(t, ctrl.OpenTile(context.Background(), s, "1"))
	require.NoError(t, ctrl.ProceedToAssessment(context.Background(), s))
	require.NoError(t, ctrl.SubmitAssessment(context.Background(), s, nil))
	require.NoError(t, ctrl.Decide(cancelled, s, survey.ChoiceEvacuateAll))
	assert.True(t, s.State().ResultsDelivered)
	assert.Empty(t, s.State().DeliveryError)
}

func TestPersistFailure_FailsSession(t *testing.T) {
	// GIVEN: a session whose store starts failing
	h := newHarness(t, nil)
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)
	h.ctrl.Metrics = m
	ctx := context.Background()
	s := h.onDashboard(t)
	h.store.FailSaves = errors.New("disk full")

	// WHEN: an action needs to log
	err = h.ctrl.OpenTile(ctx, s, "1")

	// THEN: the error is fatal for this session
	assert.ErrorIs(t, err, survey.ErrSessionFailed)
	assert.ErrorIs(t, err, eventlog.ErrPersist)
	assert.True(t, s.State().Failed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))

	// AND: later actions are refused even when the store recovers
	h.store.FailSaves = nil
	assert.ErrorIs(t, h.ctrl.OpenTile(ctx, s, "2"), survey.ErrSessionFailed)
	assert.Equal(t, 3, s.Log().Len())
}

// =============================================================================
// QUERIES
// =============================================================================

func TestQueries(t *testing.T) {
	h := newHarness(t, nil)
	s := h.onDashboard(t)
	st := s.State()

	v, ok := h.ctrl.CurrentTime(st)
	assert.True(t, ok)
	assert.Equal(t, scenario.TimeValue("0"), v)
	assert.Equal(t, "02:00 PM", h.ctrl.TimeLabel(st))

	// tile 3 only has content from step 1
	assert.False(t, h.ctrl.HasNewUpdate(st, "3"))
	assert.True(t, h.ctrl.HasNewUpdate(st, "1"))

	ids := make([]string, 0)
	for _, a := range h.ctrl.AvailablePrepActions(st) {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"pack_bags", "water_roof"}, ids)
}

func TestPhase_TextRoundTrip(t *testing.T) {
	for p := survey.PhaseConsent; p <= survey.PhaseEnded; p++ {
		text, err := p.MarshalText()
		require.NoError(t, err)
		var back survey.Phase
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, p, back)
	}
}
