package scan

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchScanFromAPI_Success(t *testing.T) {
	var accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		_, _ = w.Write([]byte(sampleScanJSON))
	}))
	defer srv.Close()

	s, err := FetchScanFromAPI(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "lidar-front", s.SensorID)
	assert.Equal(t, "application/json", accept)
}

func TestFetchScanFromAPI_Compressed(t *testing.T) {
	payload, err := EncodeScanData(ScanFromPoints("ring", ringScan(16, 1)))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	s, err := FetchScanFromAPI(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ring", s.SensorID)
	assert.Len(t, s.Points(), 16)
}

func TestFetchScanFromAPI_EmptyURL(t *testing.T) {
	_, err := FetchScanFromAPI(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API URL is empty")
}

func TestFetchScanFromAPI_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sampleScanJSON))
	}))
	defer srv.Close()

	s, err := FetchScanFromAPI(context.Background(), srv.URL, WithBaseBackoff(time.Millisecond))
	require.NoError(t, err)
	assert.NotNil(t, s)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchScanFromAPI_AllAttemptsFail(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := FetchScanFromAPI(context.Background(), srv.URL,
		WithMaxRetries(2),
		WithBaseBackoff(time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchScanFromAPI_DecodeErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("definitely not a scan"))
	}))
	defer srv.Close()

	_, err := FetchScanFromAPI(context.Background(), srv.URL, WithBaseBackoff(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchScanFromAPI_ContextCanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := FetchScanFromAPI(ctx, srv.URL, WithBaseBackoff(10*time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetchScanFromAPI_CustomClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleScanJSON))
	}))
	defer srv.Close()

	s, err := FetchScanFromAPI(context.Background(), srv.URL,
		WithHTTPClient(srv.Client()),
		WithTimeout(time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 6, len(s.Ranges))
}
