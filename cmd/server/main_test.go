package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestBodyLimit(t *testing.T) {
	tests := []struct {
		maxUpload int64
		want      int64
	}{
		{0, bodyLimitOverhead},
		{1, 4 + bodyLimitOverhead},
		{3, 4 + bodyLimitOverhead},
		{10 << 20, 13981016 + bodyLimitOverhead},
	}
	for _, tt := range tests {
		if got := bodyLimit(tt.maxUpload); got != tt.want {
			t.Errorf("bodyLimit(%d) = %d, want %d", tt.maxUpload, got, tt.want)
		}
	}
}

func TestDefineServer_AcceptsBase64OfMaxUpload(t *testing.T) {
	const maxUpload = 3 << 20
	e := defineServer(bodyLimit(maxUpload))
	e.POST("/predict", func(c echo.Context) error {
		var body struct {
			Image string `json:"image"`
		}
		if err := c.Bind(&body); err != nil {
			return err
		}
		return c.NoContent(http.StatusOK)
	})

	encoded := base64.StdEncoding.EncodeToString(make([]byte, maxUpload))
	payload, err := json.Marshal(map[string]string{"image": "data:image/png;base64," + encoded})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for a %d byte body", rec.Code, len(payload))
	}

	tooBig := bytes.NewReader(make([]byte, bodyLimit(maxUpload)+1))
	req = httptest.NewRequest(http.MethodPost, "/predict", tooBig)
	req.Header.Set(echo.HeaderContentType, echo.MIMEOctetStream)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}
