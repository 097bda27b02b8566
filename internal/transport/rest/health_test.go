package rest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/frahmantamala/payment-engine/internal/transport/rest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Ops endpoints", func() {
	var (
		checks map[string]rest.Check
		logger *slog.Logger
	)

	serve := func(path string) *httptest.ResponseRecorder {
		router := rest.NewRouter(rest.NewHealthHandler(checks, logger), logger)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		checks = map[string]rest.Check{
			"database": func(context.Context) error { return nil },
		}
	})

	It("answers ping and sets a trace id", func() {
		// When
		rec := serve("/api/v1/ping")

		// Then
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("X-Trace-ID")).ToNot(BeEmpty())
	})

	It("reports healthy when every check passes", func() {
		// When
		rec := serve("/api/v1/health")

		// Then
		Expect(rec.Code).To(Equal(http.StatusOK))
		var resp rest.HealthResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal(rest.HealthHealthy))
		Expect(resp.Components).To(HaveKey("database"))
	})

	It("reports unavailable when any check fails", func() {
		// Given
		checks["lock"] = func(context.Context) error { return errors.New("redis: connection refused") }

		// When
		rec := serve("/api/v1/health")

		// Then
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
		var resp rest.HealthResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
		Expect(resp.Status).To(Equal(rest.HealthUnhealthy))
		Expect(resp.Components["lock"].Message).To(ContainSubstring("connection refused"))
		Expect(resp.Components["database"].Status).To(Equal(rest.HealthHealthy))
	})

	It("keeps a caller trace id and drops an oversized one", func() {
		router := rest.NewRouter(rest.NewHealthHandler(checks, logger), logger)

		// When
		kept := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
		req.Header.Set("X-Trace-ID", "trace-abc")
		router.ServeHTTP(kept, req)

		replaced := httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
		req.Header.Set("X-Trace-ID", strings.Repeat("x", 100))
		router.ServeHTTP(replaced, req)

		// Then
		Expect(kept.Header().Get("X-Trace-ID")).To(Equal("trace-abc"))
		Expect(replaced.Header().Get("X-Trace-ID")).To(HaveLen(36))
	})

	It("answers a panicking check with an internal error envelope", func() {
		// Given
		checks["ledger"] = func(context.Context) error { panic("nil ledger") }

		// When
		rec := serve("/api/v1/health")

		// Then
		Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		var body map[string]interface{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		Expect(body["type"]).To(Equal("INTERNAL_ERROR"))
	})
})
