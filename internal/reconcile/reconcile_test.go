package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/calsyncio/calsync-core/internal/gateway"
	"github.com/calsyncio/calsync-core/internal/store"
	"github.com/calsyncio/calsync-core/internal/syncengine"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newEchoGateway(t *testing.T, handler http.HandlerFunc) *gateway.Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gw, err := gateway.New(context.Background(), srv.Client(), 1000, 100,
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	return gw
}

func writeEvent(t *testing.T, w http.ResponseWriter, ev *calendar.Event) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ev); err != nil {
		t.Fatalf("encode event: %v", err)
	}
}

// calendarResolver resolves a Gateway by the attachment's own calendar id,
// letting one test wire up distinct fake servers for the origin and the
// main calendar.
type calendarResolver struct {
	byCalendar map[string]*gateway.Gateway
}

func (r *calendarResolver) GatewayFor(ctx context.Context, att *store.Attachment) (*gateway.Gateway, error) {
	return r.byCalendar[att.CalendarID], nil
}

func testEngineConfig() syncengine.Config {
	return syncengine.Config{
		ManagedEventPrefix:     "[CalSync]",
		SyncTag:                "calendarSyncEngine",
		BusyBlockTitle:         "Busy",
		PersonalBusyBlockTitle: "Busy (Personal)",
	}
}

func createTestUser(t *testing.T, st *store.Store, email string) *store.User {
	t.Helper()
	u, err := st.GetOrCreateUser(email, "Test User")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	return u
}

func createTestAttachment(t *testing.T, st *store.Store, userID, calendarID string, kind store.CalendarKind) *store.Attachment {
	t.Helper()
	att := &store.Attachment{
		UserID:       userID,
		CredentialID: "cred-1",
		CalendarID:   calendarID,
		CalendarKind: kind,
		IsActive:     true,
	}
	if err := st.CreateAttachment(att); err != nil {
		t.Fatalf("CreateAttachment: %v", err)
	}
	return att
}

func strPtr(s string) *string { return &s }

func TestReconcileMappingOriginGoneRetiresMapping(t *testing.T) {
	st := newTestStore(t)
	user := createTestUser(t, st, "alice@example.com")
	clientAtt := createTestAttachment(t, st, user.ID, "client-cal-1", store.CalendarKindClient)
	mainAtt := createTestAttachment(t, st, user.ID, "main-cal-1", store.CalendarKindMain)

	originGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	mainDeleted := false
	mainGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			mainDeleted = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	resolver := &calendarResolver{byCalendar: map[string]*gateway.Gateway{
		clientAtt.CalendarID: originGW,
		mainAtt.CalendarID:   mainGW,
	}}

	m := &store.EventMapping{
		UserID:           user.ID,
		MappingKind:      store.MappingKindClientToMain,
		OriginCalendarID: clientAtt.CalendarID,
		OriginEventID:    "client-evt-1",
		MainEventID:      strPtr("main-evt-1"),
		MainCalendarID:   strPtr(mainAtt.CalendarID),
	}
	if err := st.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	engine := syncengine.New(st, resolver, testEngineConfig())
	r := New(st, resolver, engine)

	actions, err := r.ReconcileCalendar(context.Background(), clientAtt.ID, false)
	if err != nil {
		t.Fatalf("ReconcileCalendar: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != ActionRetireMainCopy {
		t.Fatalf("actions = %+v, want one retire_main_copy action", actions)
	}
	if !mainDeleted {
		t.Error("expected main-calendar copy delete to be called")
	}

	got, err := st.GetMappingByID(m.ID)
	if err != nil {
		t.Fatalf("GetMappingByID: %v", err)
	}
	if got.DeletedAt == nil {
		t.Error("expected mapping to be soft-deleted")
	}
}

func TestReconcileMappingCancelledOriginRetiresMapping(t *testing.T) {
	st := newTestStore(t)
	user := createTestUser(t, st, "bob@example.com")
	clientAtt := createTestAttachment(t, st, user.ID, "client-cal-2", store.CalendarKindClient)

	originGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, &calendar.Event{Id: "client-evt-recur", Status: "cancelled"})
	})
	resolver := &calendarResolver{byCalendar: map[string]*gateway.Gateway{
		clientAtt.CalendarID: originGW,
	}}

	m := &store.EventMapping{
		UserID:           user.ID,
		MappingKind:      store.MappingKindClientToMain,
		OriginCalendarID: clientAtt.CalendarID,
		OriginEventID:    "client-evt-recur",
		IsRecurring:      true,
	}
	if err := st.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	engine := syncengine.New(st, resolver, testEngineConfig())
	r := New(st, resolver, engine)

	actions, err := r.ReconcileCalendar(context.Background(), clientAtt.ID, false)
	if err != nil {
		t.Fatalf("ReconcileCalendar: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != ActionRetireMainCopy {
		t.Fatalf("actions = %+v, want one retire_main_copy action", actions)
	}

	got, err := st.GetMappingByID(m.ID)
	if err != nil {
		t.Fatalf("GetMappingByID: %v", err)
	}
	if got.DeletedAt == nil {
		t.Error("expected mapping to be soft-deleted")
	}
}

func TestReconcileMappingLiveOriginWithLiveMainCopyIsNoop(t *testing.T) {
	st := newTestStore(t)
	user := createTestUser(t, st, "carol@example.com")
	clientAtt := createTestAttachment(t, st, user.ID, "client-cal-3", store.CalendarKindClient)
	mainAtt := createTestAttachment(t, st, user.ID, "main-cal-3", store.CalendarKindMain)

	originGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, &calendar.Event{Id: "client-evt-3", Status: "confirmed"})
	})
	mainGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, &calendar.Event{Id: "main-evt-3", Status: "confirmed"})
	})
	resolver := &calendarResolver{byCalendar: map[string]*gateway.Gateway{
		clientAtt.CalendarID: originGW,
		mainAtt.CalendarID:   mainGW,
	}}

	m := &store.EventMapping{
		UserID:           user.ID,
		MappingKind:      store.MappingKindClientToMain,
		OriginCalendarID: clientAtt.CalendarID,
		OriginEventID:    "client-evt-3",
		MainEventID:      strPtr("main-evt-3"),
		MainCalendarID:   strPtr(mainAtt.CalendarID),
	}
	if err := st.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	engine := syncengine.New(st, resolver, testEngineConfig())
	r := New(st, resolver, engine)

	actions, err := r.ReconcileCalendar(context.Background(), clientAtt.ID, false)
	if err != nil {
		t.Fatalf("ReconcileCalendar: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("actions = %+v, want none", actions)
	}

	got, err := st.GetMappingByID(m.ID)
	if err != nil {
		t.Fatalf("GetMappingByID: %v", err)
	}
	if got.DeletedAt != nil {
		t.Error("expected mapping to remain live")
	}
}

func TestReconcileMappingRecreatesMissingMainCopy(t *testing.T) {
	st := newTestStore(t)
	user := createTestUser(t, st, "dave@example.com")
	clientAtt := createTestAttachment(t, st, user.ID, "client-cal-4", store.CalendarKindClient)
	mainAtt := createTestAttachment(t, st, user.ID, "main-cal-4", store.CalendarKindMain)

	originGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, &calendar.Event{
			Id:      "client-evt-4",
			Summary: "Planning",
			Status:  "confirmed",
			Start:   &calendar.EventDateTime{DateTime: "2026-08-01T10:00:00Z"},
			End:     &calendar.EventDateTime{DateTime: "2026-08-01T11:00:00Z"},
		})
	})
	mainGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body calendar.Event
		json.NewDecoder(r.Body).Decode(&body)
		body.Id = "main-evt-4-recreated"
		writeEvent(t, w, &body)
	})
	resolver := &calendarResolver{byCalendar: map[string]*gateway.Gateway{
		clientAtt.CalendarID: originGW,
		mainAtt.CalendarID:   mainGW,
	}}

	m := &store.EventMapping{
		UserID:           user.ID,
		MappingKind:      store.MappingKindClientToMain,
		OriginCalendarID: clientAtt.CalendarID,
		OriginEventID:    "client-evt-4",
		MainEventID:      strPtr("main-evt-4-gone"),
		MainCalendarID:   strPtr(mainAtt.CalendarID),
	}
	if err := st.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	engine := syncengine.New(st, resolver, testEngineConfig())
	r := New(st, resolver, engine)

	actions, err := r.ReconcileCalendar(context.Background(), clientAtt.ID, false)
	if err != nil {
		t.Fatalf("ReconcileCalendar: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != ActionRecreateMainCopy {
		t.Fatalf("actions = %+v, want one recreate_main_copy action", actions)
	}
	if actions[0].EventID != "main-evt-4-recreated" {
		t.Errorf("EventID = %q, want recreated main event id", actions[0].EventID)
	}

	got, err := st.GetMappingByID(m.ID)
	if err != nil {
		t.Fatalf("GetMappingByID: %v", err)
	}
	if got.MainEventID == nil || *got.MainEventID != "main-evt-4-recreated" {
		t.Errorf("MainEventID = %v, want repointed to recreated event", got.MainEventID)
	}
}

func TestReconcileCalendarDryRunMakesNoChanges(t *testing.T) {
	st := newTestStore(t)
	user := createTestUser(t, st, "erin@example.com")
	clientAtt := createTestAttachment(t, st, user.ID, "client-cal-5", store.CalendarKindClient)
	mainAtt := createTestAttachment(t, st, user.ID, "main-cal-5", store.CalendarKindMain)

	originGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	mainCalled := false
	mainGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mainCalled = true
		w.WriteHeader(http.StatusNoContent)
	})
	resolver := &calendarResolver{byCalendar: map[string]*gateway.Gateway{
		clientAtt.CalendarID: originGW,
		mainAtt.CalendarID:   mainGW,
	}}

	m := &store.EventMapping{
		UserID:           user.ID,
		MappingKind:      store.MappingKindClientToMain,
		OriginCalendarID: clientAtt.CalendarID,
		OriginEventID:    "client-evt-5",
		MainEventID:      strPtr("main-evt-5"),
		MainCalendarID:   strPtr(mainAtt.CalendarID),
	}
	if err := st.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	engine := syncengine.New(st, resolver, testEngineConfig())
	r := New(st, resolver, engine)

	actions, err := r.ReconcileCalendar(context.Background(), clientAtt.ID, true)
	if err != nil {
		t.Fatalf("ReconcileCalendar: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != ActionRetireMainCopy {
		t.Fatalf("actions = %+v, want one retire_main_copy action reported under dry-run", actions)
	}
	if mainCalled {
		t.Error("dry-run must not call the main-calendar gateway")
	}

	got, err := st.GetMappingByID(m.ID)
	if err != nil {
		t.Fatalf("GetMappingByID: %v", err)
	}
	if got.DeletedAt != nil {
		t.Error("dry-run must not soft-delete the mapping")
	}
}

func TestCleanupSoftDeletedBusyBlocksDeletesRemoteAndDropsRow(t *testing.T) {
	st := newTestStore(t)
	user := createTestUser(t, st, "frank@example.com")
	clientAtt := createTestAttachment(t, st, user.ID, "client-cal-6", store.CalendarKindClient)
	otherAtt := createTestAttachment(t, st, user.ID, "other-cal-6", store.CalendarKindClient)

	deleted := false
	otherGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = true
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	resolver := &calendarResolver{byCalendar: map[string]*gateway.Gateway{
		otherAtt.CalendarID: otherGW,
	}}

	m := &store.EventMapping{
		UserID:           user.ID,
		MappingKind:      store.MappingKindClientToMain,
		OriginCalendarID: clientAtt.CalendarID,
		OriginEventID:    "client-evt-6",
	}
	if err := st.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := st.SoftDeleteMapping(m.ID); err != nil {
		t.Fatalf("SoftDeleteMapping: %v", err)
	}
	block := &store.BusyBlock{MappingID: m.ID, CalendarID: otherAtt.CalendarID, BlockEventID: "busy-evt-6"}
	if err := st.CreateBusyBlock(block); err != nil {
		t.Fatalf("CreateBusyBlock: %v", err)
	}

	engine := syncengine.New(st, resolver, testEngineConfig())
	r := New(st, resolver, engine)

	actions, err := r.CleanupSoftDeletedBusyBlocks(context.Background(), false)
	if err != nil {
		t.Fatalf("CleanupSoftDeletedBusyBlocks: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != ActionCleanupBusyBlock {
		t.Fatalf("actions = %+v, want one cleanup_busy_block action", actions)
	}
	if !deleted {
		t.Error("expected remote busy block delete to be called")
	}

	remaining, err := st.ListBusyBlocksForMapping(m.ID)
	if err != nil {
		t.Fatalf("ListBusyBlocksForMapping: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected busy block row dropped, got %d remaining", len(remaining))
	}
}

func TestCleanupSoftDeletedBusyBlocksDryRunMakesNoChanges(t *testing.T) {
	st := newTestStore(t)
	user := createTestUser(t, st, "gina@example.com")
	clientAtt := createTestAttachment(t, st, user.ID, "client-cal-7", store.CalendarKindClient)
	otherAtt := createTestAttachment(t, st, user.ID, "other-cal-7", store.CalendarKindClient)

	called := false
	otherGW := newEchoGateway(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})
	resolver := &calendarResolver{byCalendar: map[string]*gateway.Gateway{
		otherAtt.CalendarID: otherGW,
	}}

	m := &store.EventMapping{
		UserID:           user.ID,
		MappingKind:      store.MappingKindClientToMain,
		OriginCalendarID: clientAtt.CalendarID,
		OriginEventID:    "client-evt-7",
	}
	if err := st.CreateMapping(m); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := st.SoftDeleteMapping(m.ID); err != nil {
		t.Fatalf("SoftDeleteMapping: %v", err)
	}
	block := &store.BusyBlock{MappingID: m.ID, CalendarID: otherAtt.CalendarID, BlockEventID: "busy-evt-7"}
	if err := st.CreateBusyBlock(block); err != nil {
		t.Fatalf("CreateBusyBlock: %v", err)
	}

	engine := syncengine.New(st, resolver, testEngineConfig())
	r := New(st, resolver, engine)

	actions, err := r.CleanupSoftDeletedBusyBlocks(context.Background(), true)
	if err != nil {
		t.Fatalf("CleanupSoftDeletedBusyBlocks: %v", err)
	}
	if len(actions) != 1 || actions[0].Action != ActionCleanupBusyBlock {
		t.Fatalf("actions = %+v, want one cleanup_busy_block action reported under dry-run", actions)
	}
	if called {
		t.Error("dry-run must not call the remote gateway")
	}

	remaining, err := st.ListBusyBlocksForMapping(m.ID)
	if err != nil {
		t.Fatalf("ListBusyBlocksForMapping: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("dry-run must not drop the busy block row, got %d remaining", len(remaining))
	}
}
