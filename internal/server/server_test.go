package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/renovolabs/renovo/internal/billing/domain"
	"github.com/renovolabs/renovo/internal/clock"
	"github.com/renovolabs/renovo/internal/config"
	"github.com/renovolabs/renovo/internal/cursor"
	"github.com/renovolabs/renovo/internal/expander"
	"github.com/renovolabs/renovo/internal/expander/guard"
	pricingservice "github.com/renovolabs/renovo/internal/pricing/service"
	registrydomain "github.com/renovolabs/renovo/internal/registry/domain"
	registryservice "github.com/renovolabs/renovo/internal/registry/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func setupServerDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS registries (
			tld TEXT PRIMARY KEY,
			currency TEXT NOT NULL,
			autorenew_grace_seconds INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS registry_renew_prices (
			id INTEGER PRIMARY KEY,
			tld TEXT NOT NULL,
			effective_from DATETIME NOT NULL,
			currency TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			created_at DATETIME,
			UNIQUE (tld, effective_from)
		)`,
		`CREATE TABLE IF NOT EXISTS billing_recurrences (
			id INTEGER PRIMARY KEY,
			domain_id INTEGER NOT NULL,
			domain_name TEXT NOT NULL,
			tld TEXT NOT NULL,
			registrar_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			flags TEXT,
			event_time DATETIME NOT NULL,
			recurrence_end_time DATETIME NOT NULL,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS billing_events (
			id INTEGER PRIMARY KEY,
			recurrence_id INTEGER NOT NULL,
			history_id INTEGER NOT NULL,
			domain_id INTEGER NOT NULL,
			domain_name TEXT NOT NULL,
			registrar_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			flags TEXT,
			period_years INTEGER NOT NULL DEFAULT 1,
			cost_currency TEXT NOT NULL,
			cost_amount NUMERIC NOT NULL,
			event_time DATETIME NOT NULL,
			billing_time DATETIME NOT NULL,
			synthetic_creation_time DATETIME NOT NULL,
			created_at DATETIME,
			UNIQUE (recurrence_id, billing_time)
		)`,
		`CREATE TABLE IF NOT EXISTS domain_histories (
			id INTEGER PRIMARY KEY,
			domain_id INTEGER NOT NULL,
			domain_name TEXT NOT NULL,
			registrar_id TEXT NOT NULL,
			type TEXT NOT NULL,
			reason TEXT NOT NULL,
			period_years INTEGER NOT NULL DEFAULT 1,
			modification_time DATETIME NOT NULL,
			requested_by_registrar BOOLEAN NOT NULL DEFAULT 0,
			transaction_records TEXT,
			created_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS cursors (
			cursor_type TEXT PRIMARY KEY,
			cursor_time DATETIME NOT NULL,
			created_at DATETIME,
			updated_at DATETIME
		)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
	return db
}

func newRunServer(t *testing.T, db *gorm.DB, fakeClock *clock.FakeClock) (*Server, cursor.Store) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	registrySvc := registryservice.New(registryservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
	})
	premiums, err := config.NewStaticPremiumList(config.PremiumList{})
	require.NoError(t, err)
	pricingSvc := pricingservice.New(pricingservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Premiums: premiums,
	})
	cursors := cursor.NewStore(cursor.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: fakeClock,
	})

	exp, err := expander.New(expander.Params{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fakeClock,
		RegistrySvc: registrySvc,
		PricingSvc:  pricingSvc,
		Cursors:     cursors,
	})
	require.NoError(t, err)

	return &Server{
		cfg:      config.Config{},
		expander: exp,
		cursors:  cursors,
	}, cursors
}

type fakeBillingService struct {
	lastCreate billingdomain.CreateRecurrenceRequest
	lastGetID  snowflake.ID
	lastList   billingdomain.ListBillingEventsRequest

	createResp *billingdomain.Recurrence
	createErr  error
	getResp    billingdomain.GetRecurrenceResponse
	getErr     error
	listResp   billingdomain.ListBillingEventsResponse
	listErr    error
}

func (f *fakeBillingService) CreateRecurrence(ctx context.Context, req billingdomain.CreateRecurrenceRequest) (*billingdomain.Recurrence, error) {
	_ = ctx
	f.lastCreate = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResp, nil
}

func (f *fakeBillingService) GetRecurrence(ctx context.Context, id snowflake.ID) (billingdomain.GetRecurrenceResponse, error) {
	_ = ctx
	f.lastGetID = id
	if f.getErr != nil {
		return billingdomain.GetRecurrenceResponse{}, f.getErr
	}
	return f.getResp, nil
}

func (f *fakeBillingService) ListBillingEvents(ctx context.Context, req billingdomain.ListBillingEventsRequest) (billingdomain.ListBillingEventsResponse, error) {
	_ = ctx
	f.lastList = req
	if f.listErr != nil {
		return billingdomain.ListBillingEventsResponse{}, f.listErr
	}
	return f.listResp, nil
}

type fakeRegistryService struct {
	lastCreate registrydomain.CreateDomainRequest
	createResp *registrydomain.Domain
	createErr  error
}

func (f *fakeRegistryService) GetRegistry(ctx context.Context, tld string) (*registrydomain.Registry, error) {
	_ = ctx
	_ = tld
	return nil, registrydomain.ErrRegistryNotFound
}

func (f *fakeRegistryService) GetDomain(ctx context.Context, name string) (*registrydomain.Domain, error) {
	_ = ctx
	_ = name
	return nil, registrydomain.ErrDomainNotFound
}

func (f *fakeRegistryService) CreateDomain(ctx context.Context, req registrydomain.CreateDomainRequest) (*registrydomain.Domain, error) {
	_ = ctx
	f.lastCreate = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createResp, nil
}

type fakeCursorStore struct {
	cursorTime time.Time
	readErr    error
}

func (f *fakeCursorStore) Read(ctx context.Context, cursorType string) (time.Time, error) {
	_ = ctx
	_ = cursorType
	if f.readErr != nil {
		return time.Time{}, f.readErr
	}
	return f.cursorTime, nil
}

func (f *fakeCursorStore) GuardedAdvance(ctx context.Context, cursorType string, expectedPrior, next time.Time) error {
	_ = ctx
	_ = cursorType
	_ = expectedPrior
	_ = next
	return nil
}

func decodeErrorResponse(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	return body
}

func TestAuthRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(cfg config.Config) *gin.Engine {
		srv := &Server{
			cfg:     cfg,
			cursors: &fakeCursorStore{cursorTime: day(2023, 1, 10)},
		}
		router := gin.New()
		router.Use(ErrorHandlingMiddleware())
		router.GET("/v1/cursors/recurring-billing", srv.AuthRequired(), srv.GetRecurringBillingCursor)
		return router
	}

	t.Run("missing header", func(t *testing.T) {
		router := newRouter(config.Config{APIToken: "sesame"})
		req := httptest.NewRequest(http.MethodGet, "/v1/cursors/recurring-billing", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.Equal(t, "unauthorized", decodeErrorResponse(t, resp).Error.Type)
	})

	t.Run("wrong token", func(t *testing.T) {
		router := newRouter(config.Config{APIToken: "sesame"})
		req := httptest.NewRequest(http.MethodGet, "/v1/cursors/recurring-billing", nil)
		req.Header.Set("Authorization", "Bearer barley")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("wrong scheme", func(t *testing.T) {
		router := newRouter(config.Config{APIToken: "sesame"})
		req := httptest.NewRequest(http.MethodGet, "/v1/cursors/recurring-billing", nil)
		req.Header.Set("Authorization", "Basic sesame")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		router := newRouter(config.Config{APIToken: "sesame"})
		req := httptest.NewRequest(http.MethodGet, "/v1/cursors/recurring-billing", nil)
		req.Header.Set("Authorization", "Bearer sesame")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		assert.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("auth disabled when no token configured", func(t *testing.T) {
		router := newRouter(config.Config{})
		req := httptest.NewRequest(http.MethodGet, "/v1/cursors/recurring-billing", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		assert.Equal(t, http.StatusOK, resp.Code)
	})
}

func TestRunExpansionEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db := setupServerDB(t)
	fakeClock := clock.NewFakeClock(day(2023, 1, 10))
	srv, store := newRunServer(t, db, fakeClock)

	require.NoError(t, db.Exec(`
		INSERT INTO registries (tld, currency, autorenew_grace_seconds, created_at, updated_at)
		VALUES ('dev', 'USD', ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, int64(5*24*60*60)).Error)
	require.NoError(t, db.Exec(`
		INSERT INTO registry_renew_prices (id, tld, effective_from, currency, amount, created_at)
		VALUES (1, 'dev', ?, 'USD', '12.50', CURRENT_TIMESTAMP)
	`, day(2020, 1, 1)).Error)
	require.NoError(t, db.Create(&billingdomain.Recurrence{
		ID:                snowflake.ID(1),
		DomainID:          snowflake.ID(1001),
		DomainName:        "brioche.dev",
		TLD:               "dev",
		RegistrarID:       "TheRegistrar",
		Reason:            billingdomain.ReasonRenew,
		EventTime:         day(2022, 1, 1),
		RecurrenceEndTime: billingdomain.EndOfTime,
	}).Error)
	require.NoError(t, store.GuardedAdvance(context.Background(), cursor.CursorTypeRecurringBilling, cursor.EpochStart, day(2023, 1, 1)))

	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.POST("/v1/expansions/run", srv.RunExpansion)

	t.Run("materializes and reports", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/expansions/run", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		var body struct {
			Data expander.RunSummary `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.NotEmpty(t, body.Data.RunID)
		assert.Equal(t, 1, body.Data.RecurrencesScanned)
		assert.Equal(t, 1, body.Data.EventsMaterialized)
		assert.Zero(t, body.Data.ErrorCount)
		assert.True(t, body.Data.CursorAdvanced)
	})

	t.Run("dry run over the same window", func(t *testing.T) {
		payload := `{"dry_run": true, "cursor_time": "2023-01-01T00:00:00Z"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/expansions/run", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		var body struct {
			Data expander.RunSummary `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.True(t, body.Data.DryRun)
		assert.Equal(t, 1, body.Data.RecurrencesScanned)
		assert.Zero(t, body.Data.EventsMaterialized)
		assert.False(t, body.Data.CursorAdvanced)
	})

	t.Run("rejects a future override", func(t *testing.T) {
		payload := `{"cursor_time": "2030-01-01T00:00:00Z"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/expansions/run", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		body := decodeErrorResponse(t, resp)
		assert.Equal(t, "validation_error", body.Error.Type)
		require.Len(t, body.Error.Errors, 1)
		assert.Equal(t, "invalid_cursor_position", body.Error.Errors[0].Code)
	})

	t.Run("rejects an unknown strategy", func(t *testing.T) {
		payload := `{"strategy": "turbo"}`
		req := httptest.NewRequest(http.MethodPost, "/v1/expansions/run", strings.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		body := decodeErrorResponse(t, resp)
		require.Len(t, body.Error.Errors, 1)
		assert.Equal(t, "invalid_strategy", body.Error.Errors[0].Code)
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/expansions/run", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		body := decodeErrorResponse(t, resp)
		require.Len(t, body.Error.Errors, 1)
		assert.Equal(t, "invalid_request", body.Error.Errors[0].Code)
	})
}

func TestGetRecurringBillingCursorEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	srv := &Server{cursors: &fakeCursorStore{cursorTime: day(2023, 1, 10)}}
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	router.GET("/v1/cursors/recurring-billing", srv.GetRecurringBillingCursor)

	req := httptest.NewRequest(http.MethodGet, "/v1/cursors/recurring-billing", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Data struct {
			CursorType string    `json:"cursor_type"`
			CursorTime time.Time `json:"cursor_time"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, cursor.CursorTypeRecurringBilling, body.Data.CursorType)
	assert.True(t, body.Data.CursorTime.Equal(day(2023, 1, 10)))
}

func TestCreateRecurrenceEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(fake *fakeBillingService) *gin.Engine {
		srv := &Server{billingSvc: fake}
		router := gin.New()
		router.Use(ErrorHandlingMiddleware())
		router.POST("/v1/recurrences", srv.CreateRecurrence)
		return router
	}

	t.Run("creates with a trimmed name", func(t *testing.T) {
		fake := &fakeBillingService{createResp: &billingdomain.Recurrence{
			ID:         snowflake.ID(42),
			DomainName: "brioche.dev",
			TLD:        "dev",
		}}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodPost, "/v1/recurrences", strings.NewReader(`{"domain_name": "  brioche.dev  "}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "brioche.dev", fake.lastCreate.DomainName)

		var body struct {
			Data billingdomain.Recurrence `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, snowflake.ID(42), body.Data.ID)
	})

	t.Run("duplicate maps to conflict", func(t *testing.T) {
		fake := &fakeBillingService{createErr: billingdomain.ErrRecurrenceExists}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodPost, "/v1/recurrences", strings.NewReader(`{"domain_name": "brioche.dev"}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusConflict, resp.Code)
		assert.Equal(t, "conflict", decodeErrorResponse(t, resp).Error.Type)
	})

	t.Run("invalid recurrence maps to validation error", func(t *testing.T) {
		fake := &fakeBillingService{createErr: fmt.Errorf("%w: domain name required", billingdomain.ErrInvalidRecurrence)}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodPost, "/v1/recurrences", strings.NewReader(`{"domain_name": ""}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		body := decodeErrorResponse(t, resp)
		require.Len(t, body.Error.Errors, 1)
		assert.Equal(t, "invalid_recurrence", body.Error.Errors[0].Code)
		assert.Equal(t, "recurrence", body.Error.Errors[0].Field)
	})

	t.Run("malformed body", func(t *testing.T) {
		router := newRouter(&fakeBillingService{})

		req := httptest.NewRequest(http.MethodPost, "/v1/recurrences", strings.NewReader(`{"domain_name": 7}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusBadRequest, resp.Code)
	})
}

func TestGetRecurrenceEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(fake *fakeBillingService) *gin.Engine {
		srv := &Server{billingSvc: fake}
		router := gin.New()
		router.Use(ErrorHandlingMiddleware())
		router.GET("/v1/recurrences/:id", srv.GetRecurrence)
		return router
	}

	t.Run("returns the recurrence with its events", func(t *testing.T) {
		fake := &fakeBillingService{getResp: billingdomain.GetRecurrenceResponse{
			Recurrence: billingdomain.Recurrence{ID: snowflake.ID(42), DomainName: "brioche.dev"},
			Events:     []billingdomain.BillingEvent{{ID: snowflake.ID(7), RecurrenceID: snowflake.ID(42)}},
		}}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodGet, "/v1/recurrences/42", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, snowflake.ID(42), fake.lastGetID)

		var body struct {
			Data billingdomain.GetRecurrenceResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, snowflake.ID(42), body.Data.Recurrence.ID)
		require.Len(t, body.Data.Events, 1)
		assert.Equal(t, snowflake.ID(7), body.Data.Events[0].ID)
	})

	t.Run("rejects a malformed id", func(t *testing.T) {
		router := newRouter(&fakeBillingService{})

		req := httptest.NewRequest(http.MethodGet, "/v1/recurrences/abc", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		body := decodeErrorResponse(t, resp)
		require.Len(t, body.Error.Errors, 1)
		assert.Equal(t, "invalid_id", body.Error.Errors[0].Code)
		assert.Equal(t, "id", body.Error.Errors[0].Field)
	})

	t.Run("unknown id maps to not found", func(t *testing.T) {
		fake := &fakeBillingService{getErr: billingdomain.ErrRecurrenceNotFound}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodGet, "/v1/recurrences/42", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusNotFound, resp.Code)
		assert.Equal(t, "not_found", decodeErrorResponse(t, resp).Error.Type)
	})
}

func TestListBillingEventsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(fake *fakeBillingService) *gin.Engine {
		srv := &Server{billingSvc: fake}
		router := gin.New()
		router.Use(ErrorHandlingMiddleware())
		router.GET("/v1/billing-events", srv.ListBillingEvents)
		return router
	}

	t.Run("passes filters through", func(t *testing.T) {
		fake := &fakeBillingService{listResp: billingdomain.ListBillingEventsResponse{
			Events: []billingdomain.BillingEvent{{ID: snowflake.ID(7)}},
		}}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodGet, "/v1/billing-events?domain_name=brioche.dev&page_size=2&page_token=tok", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "brioche.dev", fake.lastList.DomainName)
		assert.Equal(t, int32(2), fake.lastList.PageSize)
		assert.Equal(t, "tok", fake.lastList.PageToken)
	})

	t.Run("invalid page token maps to validation error", func(t *testing.T) {
		fake := &fakeBillingService{listErr: fmt.Errorf("%w: illegal base64 data", billingdomain.ErrInvalidPageToken)}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodGet, "/v1/billing-events?page_token=not-base64!", nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusBadRequest, resp.Code)
		body := decodeErrorResponse(t, resp)
		require.Len(t, body.Error.Errors, 1)
		assert.Equal(t, "invalid_page_token", body.Error.Errors[0].Code)
		assert.Equal(t, "page_token", body.Error.Errors[0].Field)
	})
}

func TestCreateDomainEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(fake *fakeRegistryService) *gin.Engine {
		srv := &Server{registrySvc: fake}
		router := gin.New()
		router.Use(ErrorHandlingMiddleware())
		router.POST("/v1/domains", srv.CreateDomain)
		return router
	}

	t.Run("creates with trimmed fields", func(t *testing.T) {
		fake := &fakeRegistryService{createResp: &registrydomain.Domain{
			ID:          snowflake.ID(9),
			Name:        "brioche.dev",
			TLD:         "dev",
			RegistrarID: "TheRegistrar",
		}}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodPost, "/v1/domains", strings.NewReader(`{"name": " brioche.dev ", "registrar_id": " TheRegistrar "}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "brioche.dev", fake.lastCreate.Name)
		assert.Equal(t, "TheRegistrar", fake.lastCreate.RegistrarID)

		var body struct {
			Data registrydomain.Domain `json:"data"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, snowflake.ID(9), body.Data.ID)
	})

	t.Run("unknown tld maps to not found", func(t *testing.T) {
		fake := &fakeRegistryService{createErr: fmt.Errorf("%w: xyz", registrydomain.ErrRegistryNotFound)}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodPost, "/v1/domains", strings.NewReader(`{"name": "brioche.xyz", "registrar_id": "TheRegistrar"}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("duplicate maps to conflict", func(t *testing.T) {
		fake := &fakeRegistryService{createErr: registrydomain.ErrDomainExists}
		router := newRouter(fake)

		req := httptest.NewRequest(http.MethodPost, "/v1/domains", strings.NewReader(`{"name": "brioche.dev", "registrar_id": "TheRegistrar"}`))
		req.Header.Set("Content-Type", "application/json")
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		assert.Equal(t, http.StatusConflict, resp.Code)
	})
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"run in progress", guard.ErrRunInProgress, http.StatusConflict, "conflict"},
		{"cursor conflict", cursor.ErrCursorConflict, http.StatusConflict, "conflict"},
		{"recurrence exists", billingdomain.ErrRecurrenceExists, http.StatusConflict, "conflict"},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"recurrence not found", billingdomain.ErrRecurrenceNotFound, http.StatusNotFound, "not_found"},
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, "not_found"},
		{"batch size", guard.ValidateBatchSize(0), http.StatusBadRequest, "validation_error"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, payload := mapError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantType, payload.Type)
		})
	}

	t.Run("wrapped sentinels keep stable codes", func(t *testing.T) {
		status, payload := mapError(fmt.Errorf("%w: illegal base64 data at input byte 9", billingdomain.ErrInvalidPageToken))
		assert.Equal(t, http.StatusBadRequest, status)
		require.Len(t, payload.Errors, 1)
		assert.Equal(t, "invalid_page_token", payload.Errors[0].Code)
		assert.Equal(t, "page_token", payload.Errors[0].Field)
	})

	t.Run("run in progress keeps its message", func(t *testing.T) {
		_, payload := mapError(fmt.Errorf("%w: run 42", guard.ErrRunInProgress))
		assert.Equal(t, "an expansion run is already in progress", payload.Message)
	})
}

func TestClassifyErrorForLog(t *testing.T) {
	errType, errCode := classifyErrorForLog(fmt.Errorf("%w: illegal base64 data", billingdomain.ErrInvalidPageToken))
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "invalid_page_token", errCode)

	errType, errCode = classifyErrorForLog(guard.ErrRunInProgress)
	assert.Equal(t, "conflict", errType)
	assert.Equal(t, "run_in_progress", errCode)

	errType, errCode = classifyErrorForLog(nil)
	assert.Empty(t, errType)
	assert.Empty(t, errCode)
}
