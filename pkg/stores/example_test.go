package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CommitTags demonstrates committing and reading device tags.
func ExampleSQLiteStore_CommitTags() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	err = store.CommitTags(ctx, "Acme-001", map[string]engine.Value{
		"provisioned": engine.Bool(true),
		"site":        engine.String("lab"),
	})
	if err != nil {
		log.Fatal(err)
	}

	tags, err := store.ListTags(ctx, "Acme-001")
	if err != nil {
		log.Fatal(err)
	}
	for _, tag := range tags {
		fmt.Printf("%s=%s\n", tag.Name, tag.Value.Raw)
	}
	// Output:
	// provisioned=true
	// site=lab
}

// ExampleSQLiteStore_RecordSession demonstrates recording a session and reading it back.
func ExampleSQLiteStore_RecordSession() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: ":memory:"})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	err = store.RecordSession(ctx, &engine.SessionResult{
		SessionID: "session-1",
		Device:    engine.DeviceIdentity{Manufacturer: "Acme", SerialNumber: "001"},
		Status:    engine.SessionStatusCompleted,
		Passes:    2,
		AppliedWrites: []engine.AppliedWrite{
			{Path: "Device.WiFi.SSID.1.SSID", Value: engine.String("home"), Pass: 1},
		},
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
		Duration:    time.Second,
	})
	if err != nil {
		log.Fatal(err)
	}

	sessions, err := store.ListSessions(ctx, stores.SessionFilter{DeviceID: "Acme-001"})
	if err != nil {
		log.Fatal(err)
	}
	for _, s := range sessions {
		fmt.Printf("%s %s passes=%d\n", s.ID, s.Status, s.Passes)
	}
	// Output: session-1 completed passes=2
}
