package listener

import (
	"context"
	"errors"
	"testing"

	"github.com/prediktapp/notify/internal/event"
)

type fakeRecipients struct {
	active       []string
	participants map[int][]string // gameweek or fixture id -> users
	err          error
}

func (f *fakeRecipients) ActiveUserIDs(_ context.Context) ([]string, error) {
	return f.active, f.err
}

func (f *fakeRecipients) GameweekParticipants(_ context.Context, gw int) ([]string, error) {
	return f.participants[gw], f.err
}

func (f *fakeRecipients) FixtureParticipants(_ context.Context, id int) ([]string, error) {
	return f.participants[id], f.err
}

func TestBuildEventPublished(t *testing.T) {
	r := &fakeRecipients{active: []string{"A", "B", "C"}}
	ev, users, err := buildEvent(context.Background(), r, GameweekEvent{Kind: "published", Gameweek: 17})
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Key != "new-gameweek" {
		t.Errorf("Key = %q", ev.Key)
	}
	if got := event.BuildEventID(ev.Key, ev.GroupingParams); got != "new_gw:17" {
		t.Errorf("derived event id = %q, want new_gw:17", got)
	}
	if ev.Title != "Gameweek 17 is live!" {
		t.Errorf("Title = %q", ev.Title)
	}
	if len(users) != 3 {
		t.Errorf("candidates = %v, want all active users", users)
	}
}

func TestBuildEventResults(t *testing.T) {
	r := &fakeRecipients{participants: map[int][]string{9: {"A", "B"}}}
	ev, users, err := buildEvent(context.Background(), r, GameweekEvent{Kind: "results", Gameweek: 9})
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Key != "results-published" {
		t.Errorf("Key = %q", ev.Key)
	}
	if got := event.BuildEventID(ev.Key, ev.GroupingParams); got != "results:9" {
		t.Errorf("derived event id = %q, want results:9", got)
	}
	if len(users) != 2 {
		t.Errorf("candidates = %v, want gameweek participants only", users)
	}
}

func TestBuildEventKickoff(t *testing.T) {
	r := &fakeRecipients{participants: map[int][]string{9001: {"A"}}}
	ge := GameweekEvent{Kind: "kickoff", FixtureID: 9001, Home: "Arsenal", Away: "Spurs"}
	ev, users, err := buildEvent(context.Background(), r, ge)
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Key != "kickoff-reminder" {
		t.Errorf("Key = %q", ev.Key)
	}
	if ev.Title != "Arsenal v Spurs kicks off soon" {
		t.Errorf("Title = %q", ev.Title)
	}
	if got := event.BuildEventID(ev.Key, ev.GroupingParams); got != "kickoff:9001" {
		t.Errorf("derived event id = %q, want kickoff:9001", got)
	}
	if len(users) != 1 {
		t.Errorf("candidates = %v", users)
	}
}

func TestBuildEventKickoffWithoutTeams(t *testing.T) {
	r := &fakeRecipients{participants: map[int][]string{7: {"A"}}}
	ev, _, err := buildEvent(context.Background(), r, GameweekEvent{Kind: "kickoff", FixtureID: 7})
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	if ev.Title != "Kickoff soon" {
		t.Errorf("Title = %q, want generic fallback", ev.Title)
	}
}

func TestBuildEventRejectsBadPayloads(t *testing.T) {
	r := &fakeRecipients{}
	tests := []struct {
		name string
		ge   GameweekEvent
	}{
		{"unknown kind", GameweekEvent{Kind: "halftime"}},
		{"published without gameweek", GameweekEvent{Kind: "published"}},
		{"results without gameweek", GameweekEvent{Kind: "results"}},
		{"kickoff without fixture", GameweekEvent{Kind: "kickoff"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := buildEvent(context.Background(), r, tt.ge); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestBuildEventRecipientLookupError(t *testing.T) {
	r := &fakeRecipients{err: errors.New("users table unreachable")}
	_, _, err := buildEvent(context.Background(), r, GameweekEvent{Kind: "published", Gameweek: 1})
	if err == nil {
		t.Fatal("want error when recipients cannot be resolved")
	}
}
