// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scoring

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"
)

type teamNames map[string]string

func (n teamNames) TeamName(id string) string { return n[id] }

func squad(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return ids
}

func testEngine() *Engine {
	var clock int64
	return &Engine{
		Teams: teamNames{"A": "Amberley", "B": "Bramford"},
		Clock: func() int64 { clock += 1000; return clock },
	}
}

func newTestMatch(t *testing.T, overs, players int) Match {
	t.Helper()
	m, err := NewMatch(MatchParams{
		ID:             "m1",
		Team1ID:        "A",
		Team2ID:        "B",
		Overs:          overs,
		TossWinnerID:   "A",
		TossDecision:   TossBat,
		Team1PlayerIDs: squad("a", players),
		Team2PlayerIDs: squad("b", players),
	})
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	return m
}

// fillSlots selects the next available batsmen and a bowler for every empty
// slot of the current innings.
func fillSlots(t *testing.T, e *Engine, m Match) Match {
	t.Helper()
	cur := m.Current()
	dismissed := Dismissed(cur.DeliveryHistory)
	next := func() string {
		for _, id := range m.Squad(cur.BattingTeamID) {
			if !dismissed[id] && id != cur.StrikerID && id != cur.NonStrikerID && !slices.Contains(cur.RetiredHurtPlayerIDs, id) {
				return id
			}
		}
		t.Fatalf("no batsman left")
		return ""
	}
	var err error
	if cur.StrikerID == "" {
		if m, err = e.SetPlayerInMatch(m, RoleStriker, next()); err != nil {
			t.Fatalf("set striker: %v", err)
		}
		cur = m.Current()
	}
	if cur.NonStrikerID == "" {
		if m, err = e.SetPlayerInMatch(m, RoleNonStriker, next()); err != nil {
			t.Fatalf("set non-striker: %v", err)
		}
		cur = m.Current()
	}
	if cur.BowlerID == "" {
		bowlers := m.Squad(cur.BowlingTeamID)
		over := cur.LegalBalls() / BallsPerOver
		if m, err = e.SetPlayerInMatch(m, RoleBowler, bowlers[len(bowlers)-1-over%3]); err != nil {
			t.Fatalf("set bowler: %v", err)
		}
	}
	return m
}

func record(t *testing.T, e *Engine, m Match, in DeliveryInput) Match {
	t.Helper()
	m = fillSlots(t, e, m)
	out, err := e.RecordDelivery(m, in)
	if err != nil {
		t.Fatalf("RecordDelivery(%+v): %v", in, err)
	}
	return out
}

var bowled = DeliveryInput{IsWicket: true, Dismissal: &Dismissal{Type: DismissalBowled}}

func TestNewMatch(t *testing.T) {
	m := newTestMatch(t, 5, 11)
	if m.Status != StatusLive || m.CurrentInning != 1 || len(m.Innings) != 1 {
		t.Fatalf("got %+v", m)
	}
	if inn := m.Innings[0]; inn.BattingTeamID != "A" || inn.BowlingTeamID != "B" {
		t.Errorf("batting %s bowling %s", inn.BattingTeamID, inn.BowlingTeamID)
	}

	bowlFirst, err := NewMatch(MatchParams{ID: "m2", Team1ID: "A", Team2ID: "B", Overs: 5, TossWinnerID: "A", TossDecision: TossBowl})
	if err != nil {
		t.Fatal(err)
	}
	if got := bowlFirst.Innings[0].BattingTeamID; got != "B" {
		t.Errorf("batting first = %s, want B", got)
	}

	bad := []MatchParams{
		{ID: "x", Team1ID: "A", Team2ID: "B", Overs: 0, TossWinnerID: "A", TossDecision: TossBat},
		{ID: "x", Team1ID: "A", Team2ID: "A", Overs: 5, TossWinnerID: "A", TossDecision: TossBat},
		{ID: "x", Team1ID: "A", Team2ID: "B", Overs: 5, TossWinnerID: "C", TossDecision: TossBat},
		{ID: "x", Team1ID: "A", Team2ID: "B", Overs: 5, TossWinnerID: "A", TossDecision: "field"},
		{ID: "x", Team1ID: "A", Team2ID: "B", Overs: 5, TossWinnerID: "A", TossDecision: TossBat, Team1PlayerIDs: []string{"p"}, Team2PlayerIDs: []string{"p"}},
		{Team1ID: "A", Team2ID: "B", Overs: 5, TossWinnerID: "A", TossDecision: TossBat},
	}
	for i, p := range bad {
		if _, err := NewMatch(p); !errors.Is(err, ErrInvalidMatch) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
}

// Six singles: five rotations leave a2 on strike, then the over-end swap
// and the sixth single cancel each other.
func TestScenarioSixSingles(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 2, 11)
	for range 6 {
		m = record(t, e, m, DeliveryInput{Runs: 1})
	}
	cur := m.Current()
	if cur.Score != 6 || cur.Overs != 1.0 {
		t.Errorf("score %d overs %v", cur.Score, cur.Overs)
	}
	if cur.StrikerID != "a2" || cur.NonStrikerID != "a1" || cur.BowlerID != "" {
		t.Errorf("striker %q non-striker %q bowler %q", cur.StrikerID, cur.NonStrikerID, cur.BowlerID)
	}
}

func TestScenarioWide(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 2, 11)
	m = record(t, e, m, DeliveryInput{Runs: 1})
	before := *m.Current()
	m = record(t, e, m, DeliveryInput{Extra: ExtraWide})
	cur := m.Current()
	if cur.Score != before.Score+1 || cur.Overs != before.Overs {
		t.Errorf("score %d overs %v", cur.Score, cur.Overs)
	}
	if cur.StrikerID != before.StrikerID || cur.NonStrikerID != before.NonStrikerID {
		t.Errorf("strike rotated on a wide")
	}
}

func TestScenarioFourOffLastBall(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 2, 11)
	for range 5 {
		m = record(t, e, m, DeliveryInput{})
	}
	m = record(t, e, m, DeliveryInput{Runs: 4})
	cur := m.Current()
	if cur.StrikerID != "a2" || cur.NonStrikerID != "a1" || cur.Overs != 1.0 || cur.Score != 4 {
		t.Errorf("got %+v", cur)
	}
}

func TestScenarioAllOut(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 20, 11)
	for i := range 10 {
		if m.CurrentInning != 1 {
			t.Fatalf("innings ended after %d wickets", i)
		}
		m = record(t, e, m, bowled)
	}
	if m.CurrentInning != 2 || len(m.Innings) != 2 {
		t.Fatalf("current innings %d, %d innings", m.CurrentInning, len(m.Innings))
	}
	first, second := m.Innings[0], m.Innings[1]
	if first.Wickets != 10 || first.Overs != 1.4 || !first.AllOut {
		t.Errorf("first innings %d wickets in %v", first.Wickets, first.Overs)
	}
	if second.BattingTeamID != "B" || second.BowlingTeamID != "A" || second.Score != 0 || len(second.DeliveryHistory) != 0 {
		t.Errorf("second innings = %+v", second)
	}
	if second.StrikerID != "" || second.NonStrikerID != "" || second.BowlerID != "" {
		t.Errorf("second innings has players selected")
	}
}

func TestScenarioChaseEndsMidOver(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 20, 11)
	for range 20 {
		m = record(t, e, m, DeliveryInput{Runs: 6})
	}
	if got := m.Innings[0].Score; got != 120 {
		t.Fatalf("first innings score %d", got)
	}
	m, err := e.ForceEndInning(m)
	if err != nil {
		t.Fatal(err)
	}
	if m.Innings[0].AllOut {
		t.Error("declared innings marked all out")
	}
	for range 19 {
		m = record(t, e, m, DeliveryInput{Runs: 6})
	}
	for range 5 {
		m = record(t, e, m, DeliveryInput{Runs: 1})
	}
	if got := m.Current().Score; got != 119 || m.Status != StatusLive {
		t.Fatalf("score %d status %s", got, m.Status)
	}
	m = record(t, e, m, DeliveryInput{Runs: 6})
	if m.Status != StatusCompleted {
		t.Fatalf("status = %s", m.Status)
	}
	if got := m.Innings[1].Score; got != 125 {
		t.Errorf("second innings score %d", got)
	}
	if want := "Bramford won by 10 wickets."; m.Result != want {
		t.Errorf("result = %q, want %q", m.Result, want)
	}
	if _, err := e.RecordDelivery(m, DeliveryInput{}); !errors.Is(err, ErrMatchCompleted) {
		t.Errorf("delivery after completion err = %v", err)
	}
	if _, err := e.UndoLastDelivery(m); !errors.Is(err, ErrMatchCompleted) {
		t.Errorf("undo after completion err = %v", err)
	}
}

func TestScenarioUndoEmpty(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 2, 11)
	got, err := e.UndoLastDelivery(m)
	if !errors.Is(err, ErrNothingToUndo) {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("match changed")
	}
}

func TestRecordDeliveryDoesNotMutate(t *testing.T) {
	e := testEngine()
	m := fillSlots(t, e, newTestMatch(t, 2, 11))
	snapshot := m.Clone()
	if _, err := e.RecordDelivery(m, DeliveryInput{Runs: 3}); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(m, snapshot) {
		t.Errorf("argument was mutated")
	}

	bare := newTestMatch(t, 2, 11)
	got, err := e.RecordDelivery(bare, DeliveryInput{})
	if !errors.Is(err, ErrPlayersNotSet) {
		t.Fatalf("err = %v", err)
	}
	if !reflect.DeepEqual(got, bare) {
		t.Errorf("match changed on error")
	}
}

func TestTimestampsIncrease(t *testing.T) {
	e := &Engine{Clock: func() int64 { return 42 }}
	m := newTestMatch(t, 2, 11)
	for range 4 {
		m = record(t, e, m, DeliveryInput{})
	}
	h := m.Current().DeliveryHistory
	for i := 1; i < len(h); i++ {
		if h[i].Timestamp <= h[i-1].Timestamp {
			t.Fatalf("timestamps not increasing: %d then %d", h[i-1].Timestamp, h[i].Timestamp)
		}
	}
}

func TestOversExhausted(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 1, 11)
	for range 5 {
		m = record(t, e, m, DeliveryInput{Runs: 2})
	}
	m = record(t, e, m, DeliveryInput{Extra: ExtraNoBall})
	if m.CurrentInning != 1 {
		t.Fatalf("no-ball ended the innings")
	}
	m = record(t, e, m, DeliveryInput{})
	if m.CurrentInning != 2 {
		t.Fatalf("innings did not end after the last legal ball")
	}
	if got := m.Innings[0]; got.Score != 11 || got.Overs != 1.0 {
		t.Errorf("first innings %d in %v", got.Score, got.Overs)
	}
}

func TestResults(t *testing.T) {
	e := testEngine()
	play := func(first, second []DeliveryInput) Match {
		m := newTestMatch(t, 1, 11)
		for _, in := range first {
			m = record(t, e, m, in)
		}
		m, err := e.ForceEndInning(m)
		if err != nil {
			t.Fatal(err)
		}
		for _, in := range second {
			m = record(t, e, m, in)
		}
		if m.Status == StatusLive {
			m, err = e.ForceEndInning(m)
			if err != nil {
				t.Fatal(err)
			}
		}
		return m
	}
	four := DeliveryInput{Runs: 4}
	two := DeliveryInput{Runs: 2}

	if m := play([]DeliveryInput{four, four}, []DeliveryInput{four, two}); m.Result != "Amberley won by 2 runs." {
		t.Errorf("defended: %q", m.Result)
	}
	if m := play([]DeliveryInput{four, four}, []DeliveryInput{four, four}); m.Result != ResultTie {
		t.Errorf("tie: %q", m.Result)
	}
	if m := play([]DeliveryInput{four}, []DeliveryInput{bowled, four, two}); m.Result != "Bramford won by 9 wickets." {
		t.Errorf("chased: %q", m.Result)
	}
}

func TestAllOutThreshold(t *testing.T) {
	for size, want := range map[int]int{0: 10, 1: 0, 2: 1, 6: 5, 11: 10, 15: 14} {
		if got := AllOutThreshold(size); got != want {
			t.Errorf("AllOutThreshold(%d) = %d, want %d", size, got, want)
		}
	}

	e := testEngine()
	m := newTestMatch(t, 5, 3)
	m = record(t, e, m, bowled)
	if m.CurrentInning != 1 {
		t.Fatal("ended after one wicket")
	}
	m = record(t, e, m, bowled)
	if m.CurrentInning != 2 {
		t.Fatal("three-player side not all out after two wickets")
	}
}

func TestSetPlayerInMatch(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 5, 4)

	if _, err := e.SetPlayerInMatch(m, "keeper", "a1"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("unknown role err = %v", err)
	}
	if _, err := e.SetPlayerInMatch(m, RoleStriker, "b1"); !errors.Is(err, ErrPlayerNotInSquad) {
		t.Errorf("wrong squad err = %v", err)
	}
	if _, err := e.SetPlayerInMatch(m, RoleBowler, "a1"); !errors.Is(err, ErrPlayerNotInSquad) {
		t.Errorf("batsman bowling err = %v", err)
	}
	m, err := e.SetPlayerInMatch(m, RoleStriker, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetPlayerInMatch(m, RoleNonStriker, "a1"); !errors.Is(err, ErrPlayerOnField) {
		t.Errorf("same batsman twice err = %v", err)
	}

	m = record(t, e, m, bowled) // a1 out
	if _, err := e.SetPlayerInMatch(m, RoleStriker, "a1"); !errors.Is(err, ErrPlayerDismissed) {
		t.Errorf("dismissed batsman err = %v", err)
	}

	m = fillSlots(t, e, m) // a3 striker, a2 non-striker
	if got := m.Current(); got.StrikerID != "a3" || got.NonStrikerID != "a2" {
		t.Fatalf("slots %q/%q", got.StrikerID, got.NonStrikerID)
	}
	if m, err = e.RetireStriker(m); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetPlayerInMatch(m, RoleStriker, "a3"); !errors.Is(err, ErrRetiredPlayerUnavailable) {
		t.Errorf("retired with a4 available err = %v", err)
	}
	if m, err = e.SetPlayerInMatch(m, RoleStriker, "a4"); err != nil {
		t.Fatal(err)
	}
	m = record(t, e, m, bowled) // a4 out, 3 wickets incl. retirement: all out for a 4-player side
	if m.CurrentInning != 2 {
		t.Fatalf("innings %d, wickets %d", m.CurrentInning, m.Innings[0].Wickets)
	}
}

func TestRetiredBatsmanStaysOff(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 5, 5)
	m = record(t, e, m, DeliveryInput{})
	m, err := e.RetireStriker(m) // a1 retires
	if err != nil {
		t.Fatal(err)
	}
	m = record(t, e, m, bowled) // a3 out
	m = record(t, e, m, bowled) // a4 out
	if m, err = e.SetPlayerInMatch(m, RoleStriker, "a5"); err != nil {
		t.Fatal(err)
	}
	if got := m.Current().RetiredHurtPlayerIDs; !reflect.DeepEqual(got, []string{"a1"}) {
		t.Errorf("retired = %v", got)
	}
	m = record(t, e, m, bowled) // a5 out: the retirement counts toward all out
	if m.CurrentInning != 2 {
		t.Fatalf("expected all out with 4 wickets, got %d", m.Current().Wickets)
	}
}

func TestRetiredReturnsWhenNoOneElse(t *testing.T) {
	e := testEngine()
	m, err := NewMatch(MatchParams{ID: "m3", Team1ID: "A", Team2ID: "B", Overs: 5, TossWinnerID: "A", TossDecision: TossBat})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []struct {
		role Role
		id   string
	}{{RoleStriker, "p1"}, {RoleNonStriker, "p2"}, {RoleBowler, "q1"}} {
		if m, err = e.SetPlayerInMatch(m, s.role, s.id); err != nil {
			t.Fatal(err)
		}
	}
	if m, err = e.RetireStriker(m); err != nil {
		t.Fatal(err)
	}
	if m, err = e.SetPlayerInMatch(m, RoleStriker, "p1"); err != nil {
		t.Fatalf("retired batsman could not return: %v", err)
	}
	cur := m.Current()
	if len(cur.RetiredHurtPlayerIDs) != 0 || cur.StrikerID != "p1" || cur.Wickets != 1 {
		t.Errorf("got retired %v striker %q wickets %d", cur.RetiredHurtPlayerIDs, cur.StrikerID, cur.Wickets)
	}
}

func TestSwapStrikers(t *testing.T) {
	e := testEngine()
	m := fillSlots(t, e, newTestMatch(t, 5, 11))
	m, err := e.SwapStrikers(m)
	if err != nil {
		t.Fatal(err)
	}
	if cur := m.Current(); cur.StrikerID != "a2" || cur.NonStrikerID != "a1" {
		t.Errorf("got %q/%q", cur.StrikerID, cur.NonStrikerID)
	}
}

func TestCheckTransitionIsIdempotent(t *testing.T) {
	e := testEngine()
	m := newTestMatch(t, 5, 11)
	if got := e.CheckTransition(m); !reflect.DeepEqual(got, m) {
		t.Errorf("fresh match transitioned")
	}
}

type fixedSquads map[string]int

func (f fixedSquads) SquadSize(teamID string) int { return f[teamID] }

func TestAllOutUsesDirectorySquadSize(t *testing.T) {
	e := testEngine()
	e.Players = fixedSquads{"A": 4, "B": 4}
	m := newTestMatch(t, 20, 11)
	for range 3 {
		m = record(t, e, m, bowled)
	}
	if m.CurrentInning != 2 || !m.Innings[0].AllOut || m.Innings[0].Wickets != 3 {
		t.Errorf("four-player side after three wickets: innings %d, %+v", m.CurrentInning, m.Innings[0])
	}
}
