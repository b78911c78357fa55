package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookupRequest struct {
	Symbol string `param:"symbol" validate:"required,symbol"`
	Window string `query:"window" default:"5m" validate:"window"`
	Limit  int    `query:"limit" default:"10" validate:"gte=1,lte=100"`
}

func bind(t *testing.T, symbol, rawQuery string) (*lookupRequest, []ValidationError) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/x?"+rawQuery, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("symbol")
	c.SetParamValues(symbol)

	out := &lookupRequest{}
	verr := ReadAndValidateRequest(c, out)
	if verr == nil {
		return out, nil
	}
	errs, ok := verr.([]ValidationError)
	require.True(t, ok)
	return out, errs
}

func TestReadAndValidateRequest_AppliesDefaults(t *testing.T) {
	req, errs := bind(t, "AAPL", "")
	require.Empty(t, errs)
	assert.Equal(t, "5m", req.Window)
	assert.Equal(t, 10, req.Limit)
}

func TestReadAndValidateRequest_ReportsClientFieldNames(t *testing.T) {
	_, errs := bind(t, "aapl", "window=48h&limit=500")
	require.Len(t, errs, 3)

	byField := map[string]ValidationError{}
	for _, e := range errs {
		byField[e.Field] = e
	}
	assert.Equal(t, "ERR_SYMBOL", byField["symbol"].Code)
	assert.Equal(t, "ERR_WINDOW", byField["window"].Code)
	assert.Equal(t, "ERR_LTE", byField["limit"].Code)
	assert.Equal(t, "100", byField["limit"].Params["max"])
}

func TestReadAndValidateRequest_BindFailure(t *testing.T) {
	_, errs := bind(t, "AAPL", "limit=many")
	require.Len(t, errs, 1)
	assert.Equal(t, "ERR_BIND", errs[0].Code)
}
