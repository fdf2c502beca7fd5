package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/beaconevents/beacon/internal/atproto"
	"github.com/beaconevents/beacon/internal/core/domain"
	"github.com/beaconevents/beacon/internal/core/port"
)

const (
	eventURI       = "at://did:plc:abc123/community.lexicon.calendar.event/3kabc"
	legacyEventURI = "at://did:plc:abc123/events.smokesignal.calendar.event/3kabc"
)

type recordFixture struct {
	svc       *RecordService
	events    *fakeEventRepo
	rsvps     *fakeRsvpRepo
	denylist  *fakeDenylist
	client    *fakeRecordClient
	publisher *fakePublisher
	now       time.Time
}

func newRecordFixture(t *testing.T) *recordFixture {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	identityRepo := newFakeIdentityRepo()
	identityRepo.identities["did:plc:abc123"] = domain.Identity{
		DID:       "did:plc:abc123",
		Handle:    "alice.example.com",
		PDS:       "https://pds.example.com",
		UpdatedAt: now,
	}
	identityRepo.identities["did:plc:guest"] = domain.Identity{
		DID:       "did:plc:guest",
		Handle:    "bob.example.com",
		PDS:       "https://pds.example.com",
		UpdatedAt: now,
	}
	identities := NewIdentityService(identityRepo, &fakeDirectory{resolved: &port.ResolvedIdentity{
		DID: "did:plc:abc123", Handle: "alice.example.com", PDS: "https://pds.example.com",
	}}, 24*time.Hour, nil)
	identities.WithClock(func() time.Time { return now })

	f := &recordFixture{
		events:    newFakeEventRepo(),
		rsvps:     newFakeRsvpRepo(),
		denylist:  newFakeDenylist(),
		client:    newFakeRecordClient(),
		publisher: &fakePublisher{},
		now:       now,
	}

	f.svc = NewRecordService(
		f.events, f.rsvps, identities,
		NewModerationService(f.denylist, nil),
		f.client, f.publisher, nil,
	)
	f.svc.WithClock(func() time.Time { return f.now })

	return f
}

func eventPayload(collection domain.Collection, name string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"$type":     string(collection),
		"name":      name,
		"createdAt": "2025-03-17T15:28:05Z",
	})
	return payload
}

func rsvpPayload(collection domain.Collection, subjectURI, status string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"$type": string(collection),
		"subject": map[string]string{
			"uri": subjectURI,
			"cid": "bafyevent",
		},
		"status": string(collection) + "#" + status,
	})
	return payload
}

func TestImportEvent(t *testing.T) {
	f := newRecordFixture(t)
	f.client.records[eventURI] = &atproto.RemoteRecord{
		URI:   eventURI,
		CID:   "bafyevent",
		Value: eventPayload(domain.CollectionEvent, "Gophers Meetup"),
	}

	record, err := f.svc.ImportEvent(context.Background(), eventURI)
	if err != nil {
		t.Fatalf("ImportEvent returned error: %v", err)
	}
	if record.Name != "Gophers Meetup" {
		t.Fatalf("unexpected name %q", record.Name)
	}
	if record.CID != "bafyevent" {
		t.Fatalf("unexpected cid %q", record.CID)
	}

	if _, ok := f.events.events[eventURI]; !ok {
		t.Fatal("expected event indexed")
	}
	if len(f.publisher.indexed) != 1 || f.publisher.indexed[0].URI != eventURI {
		t.Fatalf("expected index announcement, got %v", f.publisher.indexed)
	}
}

func TestImportEvent_BlockedSubject(t *testing.T) {
	f := newRecordFixture(t)
	f.denylist.blocked["did:plc:abc123"] = "spam"

	_, err := f.svc.ImportEvent(context.Background(), eventURI)
	if !errors.Is(err, ErrSubjectBlocked) {
		t.Fatalf("expected ErrSubjectBlocked, got %v", err)
	}
	if len(f.events.events) != 0 {
		t.Fatal("blocked subject must not be indexed")
	}
}

func TestImportEvent_MissingRemoteDropsIndexRow(t *testing.T) {
	f := newRecordFixture(t)
	f.events.events[eventURI] = domain.EventRecord{URI: eventURI, DID: "did:plc:abc123"}

	_, err := f.svc.ImportEvent(context.Background(), eventURI)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
	if _, ok := f.events.events[eventURI]; ok {
		t.Fatal("expected stale index row dropped")
	}
}

func TestImportEvent_SchemaMismatch(t *testing.T) {
	f := newRecordFixture(t)
	f.client.records[eventURI] = &atproto.RemoteRecord{
		URI:   eventURI,
		CID:   "bafyevent",
		Value: eventPayload(domain.CollectionEventLegacy, "Wrong Schema"),
	}

	_, err := f.svc.ImportEvent(context.Background(), eventURI)
	if !errors.Is(err, atproto.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestImportEvent_NotAnEventCollection(t *testing.T) {
	f := newRecordFixture(t)

	_, err := f.svc.ImportEvent(context.Background(), "at://did:plc:abc123/app.bsky.feed.post/3kabc")
	if !errors.Is(err, ErrNotAnEvent) {
		t.Fatalf("expected ErrNotAnEvent, got %v", err)
	}
}

func TestImportRsvp(t *testing.T) {
	f := newRecordFixture(t)
	rsvpURI := "at://did:plc:guest/community.lexicon.calendar.rsvp/3krsvp"
	f.client.records[rsvpURI] = &atproto.RemoteRecord{
		URI:   rsvpURI,
		CID:   "bafyrsvp",
		Value: rsvpPayload(domain.CollectionRSVP, eventURI, "going"),
	}

	record, err := f.svc.ImportRsvp(context.Background(), rsvpURI)
	if err != nil {
		t.Fatalf("ImportRsvp returned error: %v", err)
	}
	if record.Status != domain.RSVPStatusGoing {
		t.Fatalf("unexpected status %q", record.Status)
	}
	if record.EventURI != eventURI || record.EventCID != "bafyevent" {
		t.Fatalf("subject reference not denormalized: %q %q", record.EventURI, record.EventCID)
	}
}

func TestResolveEvent_CurrentWins(t *testing.T) {
	f := newRecordFixture(t)
	f.events.events[eventURI] = domain.EventRecord{
		URI: eventURI, DID: "did:plc:abc123", Collection: domain.CollectionEvent, Name: "Current",
	}
	f.events.events[legacyEventURI] = domain.EventRecord{
		URI: legacyEventURI, DID: "did:plc:abc123", Collection: domain.CollectionEventLegacy, Name: "Legacy",
	}

	resolution, err := f.svc.ResolveEvent(context.Background(), legacyEventURI)
	if err != nil {
		t.Fatalf("ResolveEvent returned error: %v", err)
	}
	if resolution.Event.Name != "Current" {
		t.Fatalf("expected current record to win, got %q", resolution.Event.Name)
	}
	if !resolution.Migrated || !resolution.StandardExists {
		t.Fatalf("expected migrated flags, got %+v", resolution)
	}
	if resolution.LegacyURI != legacyEventURI {
		t.Fatalf("unexpected legacy uri %q", resolution.LegacyURI)
	}
	if resolution.IsLegacy || resolution.UsingFallback {
		t.Fatalf("current record must not read as legacy, got %+v", resolution)
	}
}

func TestResolveEvent_FallsBackToLegacy(t *testing.T) {
	f := newRecordFixture(t)
	f.events.events[legacyEventURI] = domain.EventRecord{
		URI: legacyEventURI, DID: "did:plc:abc123", Collection: domain.CollectionEventLegacy, Name: "Legacy",
	}

	resolution, err := f.svc.ResolveEvent(context.Background(), eventURI)
	if err != nil {
		t.Fatalf("ResolveEvent returned error: %v", err)
	}
	if resolution.Event.Name != "Legacy" {
		t.Fatalf("expected legacy record, got %q", resolution.Event.Name)
	}
	if !resolution.IsLegacy || !resolution.UsingFallback {
		t.Fatalf("expected fallback flags, got %+v", resolution)
	}
	if resolution.StandardExists || resolution.Migrated {
		t.Fatalf("no current record exists, got %+v", resolution)
	}
}

func TestResolveEvent_ImportsFromNetworkOnMiss(t *testing.T) {
	f := newRecordFixture(t)
	f.client.records[eventURI] = &atproto.RemoteRecord{
		URI:   eventURI,
		CID:   "bafyevent",
		Value: eventPayload(domain.CollectionEvent, "Fetched"),
	}

	resolution, err := f.svc.ResolveEvent(context.Background(), eventURI)
	if err != nil {
		t.Fatalf("ResolveEvent returned error: %v", err)
	}
	if resolution.Event.Name != "Fetched" {
		t.Fatalf("expected network import, got %q", resolution.Event.Name)
	}
	if _, ok := f.events.events[eventURI]; !ok {
		t.Fatal("expected imported record indexed")
	}
}

func TestResolveEvent_NotFoundAnywhere(t *testing.T) {
	f := newRecordFixture(t)

	_, err := f.svc.ResolveEvent(context.Background(), eventURI)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func migrationSession() domain.Session {
	return domain.Session{Group: "group-1", DID: "did:plc:abc123", AccessToken: "access-1"}
}

func legacyEventValue() json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"$type":     string(domain.CollectionEventLegacy),
		"name":      "Pigeons Playing Ping Pong",
		"text":      "Live at the Neptune",
		"mode":      "events.smokesignal.calendar.event#inperson",
		"status":    "events.smokesignal.calendar.event#scheduled",
		"createdAt": "2025-03-17T15:28:05Z",
		"startsAt":  "2025-03-22T03:00:00Z",
	})
	return payload
}

func TestMigrateEvent(t *testing.T) {
	f := newRecordFixture(t)
	f.client.records[legacyEventURI] = &atproto.RemoteRecord{
		URI:   legacyEventURI,
		CID:   "bafylegacy",
		Value: legacyEventValue(),
	}
	f.client.putRef = &atproto.StrongRef{URI: eventURI, CID: "bafymigrated"}

	resolution, err := f.svc.MigrateEvent(context.Background(), migrationSession(), legacyEventURI)
	if err != nil {
		t.Fatalf("MigrateEvent returned error: %v", err)
	}
	if resolution.Event.URI != eventURI || resolution.Event.CID != "bafymigrated" {
		t.Fatalf("unexpected migrated record %+v", resolution.Event)
	}
	if !resolution.Migrated || resolution.LegacyURI != legacyEventURI {
		t.Fatalf("unexpected resolution flags %+v", resolution)
	}

	if len(f.client.puts) != 1 {
		t.Fatalf("expected one write, got %d", len(f.client.puts))
	}
	put := f.client.puts[0]
	if put.Collection != string(domain.CollectionEvent) || put.RKey != "3kabc" {
		t.Fatalf("expected same rkey under current collection, got %+v", put)
	}
	if !put.Validate {
		t.Fatal("expected lexicon validation requested")
	}

	var written map[string]any
	if err := json.Unmarshal(put.Record, &written); err != nil {
		t.Fatalf("unmarshal written record: %v", err)
	}
	if written["description"] != "Live at the Neptune" {
		t.Fatalf("expected text carried into description, got %v", written["description"])
	}

	if _, ok := f.events.events[eventURI]; !ok {
		t.Fatal("expected migrated record indexed")
	}
}

func TestMigrateEvent_DestinationConflict(t *testing.T) {
	f := newRecordFixture(t)
	f.client.records[legacyEventURI] = &atproto.RemoteRecord{URI: legacyEventURI, CID: "bafylegacy", Value: legacyEventValue()}
	f.client.records[eventURI] = &atproto.RemoteRecord{
		URI:   eventURI,
		CID:   "bafyexisting",
		Value: eventPayload(domain.CollectionEvent, "Already There"),
	}

	_, err := f.svc.MigrateEvent(context.Background(), migrationSession(), legacyEventURI)
	if !errors.Is(err, ErrMigrationConflict) {
		t.Fatalf("expected ErrMigrationConflict, got %v", err)
	}
	if len(f.client.puts) != 0 {
		t.Fatal("conflict must not write")
	}
}

func TestMigrateEvent_CurrentRecordRejected(t *testing.T) {
	f := newRecordFixture(t)

	_, err := f.svc.MigrateEvent(context.Background(), migrationSession(), eventURI)
	if !errors.Is(err, ErrNotMigratable) {
		t.Fatalf("expected ErrNotMigratable, got %v", err)
	}
}

func TestMigrateEvent_ForeignSessionRejected(t *testing.T) {
	f := newRecordFixture(t)
	session := domain.Session{Group: "group-2", DID: "did:plc:guest"}

	_, err := f.svc.MigrateEvent(context.Background(), session, legacyEventURI)
	if !errors.Is(err, ErrNotRecordOwner) {
		t.Fatalf("expected ErrNotRecordOwner, got %v", err)
	}
}

func TestRsvpsForEvent_LinksCounterparts(t *testing.T) {
	f := newRecordFixture(t)
	rsvpURI := "at://did:plc:guest/community.lexicon.calendar.rsvp/3knew"
	legacyRsvpURI := "at://did:plc:guest/events.smokesignal.calendar.rsvp/3kold"

	f.rsvps.rsvps[rsvpURI] = domain.RsvpRecord{
		URI: rsvpURI, DID: "did:plc:guest", Collection: domain.CollectionRSVP,
		EventURI: eventURI, Status: domain.RSVPStatusGoing,
		UpdatedAt: f.now,
	}
	f.rsvps.rsvps[legacyRsvpURI] = domain.RsvpRecord{
		URI: legacyRsvpURI, DID: "did:plc:guest", Collection: domain.CollectionRSVPLegacy,
		EventURI: legacyEventURI, Status: domain.RSVPStatusInterested,
		UpdatedAt: f.now.Add(-time.Hour),
	}

	views, err := f.svc.RsvpsForEvent(context.Background(), eventURI)
	if err != nil {
		t.Fatalf("RsvpsForEvent returned error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one responder, got %d", len(views))
	}
	if views[0].Rsvp.Status != domain.RSVPStatusGoing {
		t.Fatalf("expected newest record to win, got %q", views[0].Rsvp.Status)
	}
	if views[0].Counterpart == nil || views[0].Counterpart.Status != domain.RSVPStatusInterested {
		t.Fatalf("expected legacy counterpart linked, got %+v", views[0].Counterpart)
	}
}

func rsvpPayloadAt(collection domain.Collection, subjectURI, status, createdAt string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"$type": string(collection),
		"subject": map[string]string{
			"uri": subjectURI,
			"cid": "bafyevent",
		},
		"status":    string(collection) + "#" + status,
		"createdAt": createdAt,
	})
	return payload
}

func TestRsvpsForEvent_OwnCreatedAtDecides(t *testing.T) {
	f := newRecordFixture(t)
	rsvpURI := "at://did:plc:guest/community.lexicon.calendar.rsvp/3knew"
	legacyRsvpURI := "at://did:plc:guest/events.smokesignal.calendar.rsvp/3kold"

	// The legacy record is the responder's later write; the current-schema
	// record merely got re-synced afterwards.
	f.rsvps.rsvps[rsvpURI] = domain.RsvpRecord{
		URI: rsvpURI, DID: "did:plc:guest", Collection: domain.CollectionRSVP,
		EventURI: eventURI, Status: domain.RSVPStatusGoing,
		Record:    rsvpPayloadAt(domain.CollectionRSVP, eventURI, domain.RSVPStatusGoing, "2025-04-01T10:00:00Z"),
		UpdatedAt: time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC),
	}
	f.rsvps.rsvps[legacyRsvpURI] = domain.RsvpRecord{
		URI: legacyRsvpURI, DID: "did:plc:guest", Collection: domain.CollectionRSVPLegacy,
		EventURI: legacyEventURI, Status: domain.RSVPStatusNotGoing,
		Record:    rsvpPayloadAt(domain.CollectionRSVPLegacy, legacyEventURI, domain.RSVPStatusNotGoing, "2025-05-20T10:00:00Z"),
		UpdatedAt: time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
	}

	views, err := f.svc.RsvpsForEvent(context.Background(), eventURI)
	if err != nil {
		t.Fatalf("RsvpsForEvent returned error: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one responder, got %d", len(views))
	}
	if views[0].Rsvp.Status != domain.RSVPStatusNotGoing {
		t.Fatalf("responder's latest own write must win, got %q", views[0].Rsvp.Status)
	}
	if views[0].Counterpart == nil || views[0].Counterpart.Status != domain.RSVPStatusGoing {
		t.Fatalf("re-synced older record must ride along, got %+v", views[0].Counterpart)
	}

	counts, err := f.svc.CountsForEvent(context.Background(), eventURI)
	if err != nil {
		t.Fatalf("CountsForEvent returned error: %v", err)
	}
	if counts[domain.RSVPStatusNotGoing] != 1 || counts[domain.RSVPStatusGoing] != 0 {
		t.Fatalf("counts must follow the authored answer, got %v", counts)
	}
}

func TestCountsForEvent_CountsRespondersOnce(t *testing.T) {
	f := newRecordFixture(t)
	f.rsvps.rsvps["at://did:plc:guest/community.lexicon.calendar.rsvp/3knew"] = domain.RsvpRecord{
		URI: "at://did:plc:guest/community.lexicon.calendar.rsvp/3knew", DID: "did:plc:guest",
		EventURI: eventURI, Status: domain.RSVPStatusGoing, UpdatedAt: f.now,
	}
	f.rsvps.rsvps["at://did:plc:guest/events.smokesignal.calendar.rsvp/3kold"] = domain.RsvpRecord{
		URI: "at://did:plc:guest/events.smokesignal.calendar.rsvp/3kold", DID: "did:plc:guest",
		EventURI: legacyEventURI, Status: domain.RSVPStatusInterested, UpdatedAt: f.now.Add(-time.Hour),
	}
	f.rsvps.rsvps["at://did:plc:abc123/community.lexicon.calendar.rsvp/3khost"] = domain.RsvpRecord{
		URI: "at://did:plc:abc123/community.lexicon.calendar.rsvp/3khost", DID: "did:plc:abc123",
		EventURI: eventURI, Status: domain.RSVPStatusGoing, UpdatedAt: f.now,
	}

	counts, err := f.svc.CountsForEvent(context.Background(), eventURI)
	if err != nil {
		t.Fatalf("CountsForEvent returned error: %v", err)
	}
	if counts[domain.RSVPStatusGoing] != 2 {
		t.Fatalf("expected 2 going, got %d", counts[domain.RSVPStatusGoing])
	}
	if counts[domain.RSVPStatusInterested] != 0 {
		t.Fatalf("superseded legacy answer must not count, got %d", counts[domain.RSVPStatusInterested])
	}
}

func TestResolveEvent_BlockedSubject(t *testing.T) {
	f := newRecordFixture(t)
	f.events.events[eventURI] = domain.EventRecord{
		URI: eventURI, DID: "did:plc:abc123", Collection: domain.CollectionEvent, UpdatedAt: f.now,
	}
	f.denylist.blocked["did:plc:abc123"] = "spam"

	if _, err := f.svc.ResolveEvent(context.Background(), eventURI); !errors.Is(err, ErrSubjectBlocked) {
		t.Fatalf("expected ErrSubjectBlocked, got %v", err)
	}
	if _, ok := f.events.events[eventURI]; !ok {
		t.Fatal("indexed row must survive the block")
	}
}

func TestListRecentEvents_FiltersBlockedOwners(t *testing.T) {
	f := newRecordFixture(t)
	f.events.events[eventURI] = domain.EventRecord{
		URI: eventURI, DID: "did:plc:abc123", Collection: domain.CollectionEvent, UpdatedAt: f.now,
	}
	otherURI := "at://did:plc:guest/community.lexicon.calendar.event/3kxyz"
	f.events.events[otherURI] = domain.EventRecord{
		URI: otherURI, DID: "did:plc:guest", Collection: domain.CollectionEvent, UpdatedAt: f.now,
	}
	f.denylist.blocked["did:plc:guest"] = "spam"

	records, err := f.svc.ListRecentEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecentEvents returned error: %v", err)
	}
	if len(records) != 1 || records[0].DID != "did:plc:abc123" {
		t.Fatalf("expected only the unblocked owner's event, got %+v", records)
	}

	delete(f.denylist.blocked, "did:plc:guest")
	records, err = f.svc.ListRecentEvents(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRecentEvents returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("unblocked rows must reappear without refetch, got %d", len(records))
	}
}
