// Package testutil provides shared test infrastructure for integration tests
// that require PostgreSQL.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
//
// Setting MAGSASA_TEST_DATABASE_URL skips the container and runs against
// that database instead. Fixtures use random codes, so a shared database
// can be reused across runs.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magsasa-card/magsasa/internal/model"
	"github.com/magsasa-card/magsasa/internal/storage"
	"github.com/magsasa-card/magsasa/migrations"
)

const (
	postgresImage  = "postgres:16-alpine"
	externalDSNEnv = "MAGSASA_TEST_DATABASE_URL"
)

// TestContainer holds the DSN of the test database and, unless an external
// database was configured, the container serving it.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container, or returns the external
// database from MAGSASA_TEST_DATABASE_URL. Calls os.Exit(1) on failure
// (suitable for TestMain).
func MustStartPostgres() *TestContainer {
	if dsn := os.Getenv(externalDSNEnv); dsn != "" {
		return &TestContainer{DSN: dsn}
	}
	tc, err := startPostgres(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: %v\n", err)
		os.Exit(1)
	}
	return tc
}

func startPostgres(ctx context.Context) (*TestContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "magsasa",
				"POSTGRES_PASSWORD": "magsasa",
				"POSTGRES_DB":       "magsasa",
				"TZ":                "Asia/Manila",
			},
			// The entrypoint restarts the server once after init, so the
			// ready line appears twice.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("container port: %w", err)
	}

	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("postgres://magsasa:magsasa@%s:%s/magsasa?sslmode=disable", host, port.Port()),
	}, nil
}

// NewTestDB connects to the test database with LISTEN/NOTIFY enabled and
// applies the embedded migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container. It is a no-op for an
// external database.
func (tc *TestContainer) Terminate() {
	if tc.Container == nil {
		return
	}
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Suffix returns a short random string for unique codes and names.
func Suffix() string { return uuid.NewString()[:8] }

// Fixtures creates rows the integration tests build on.
type Fixtures struct {
	DB *storage.DB
}

// Org creates an organization of type typ with a unique code.
func (f Fixtures) Org(t *testing.T, typ model.OrgType) model.Organization {
	t.Helper()
	s := Suffix()
	org, err := f.DB.CreateOrganization(context.Background(), model.Organization{
		Name: "Org " + s,
		Code: "ORG-" + s,
		Type: typ,
	})
	require.NoError(t, err)
	return org
}

// Farmer creates a farmer in orgID.
func (f Fixtures) Farmer(t *testing.T, orgID uuid.UUID, cardMember bool) model.Farmer {
	t.Helper()
	farmer, err := f.DB.CreateFarmer(context.Background(), model.Farmer{
		OrganizationID: orgID,
		FarmerCode:     "F-" + Suffix(),
		FirstName:      "Juan",
		LastName:       "Dela Cruz",
		Municipality:   "Los Baños",
		Province:       "Laguna",
		IsCardMember:   cardMember,
	})
	require.NoError(t, err)
	return farmer
}

// Input creates an active fertilizer priced 1000 wholesale and 1200 retail.
func (f Fixtures) Input(t *testing.T, stock int) model.AgriculturalInput {
	t.Helper()
	in, err := f.DB.CreateInput(context.Background(), model.AgriculturalInput{
		Name:                  "Urea 46-0-0 " + Suffix(),
		Category:              "fertilizer",
		InputType:             model.InputFertilizer,
		WholesalePrice:        1000,
		RetailPrice:           1200,
		CropSuitability:       []string{"Rice", "Corn"},
		CurrentStock:          stock,
		FarmerPickupAvailable: true,
		IsActive:              true,
	}, nil)
	require.NoError(t, err)
	return in
}
