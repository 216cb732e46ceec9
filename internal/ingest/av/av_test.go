package av

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClamd accepts one INSTREAM session and answers with reply.
func fakeClamd(t *testing.T, reply string) (addr string, received <-chan []byte) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })

	got := make(chan []byte, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		cmd, err := r.ReadString(0)
		if err != nil || cmd != "zINSTREAM\x00" {
			return
		}
		var payload []byte
		for {
			var size [4]byte
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(size[:])
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return
			}
			payload = append(payload, chunk...)
		}
		got <- payload
		conn.Write([]byte(reply + "\x00"))
	}()
	return lis.Addr().String(), got
}

func TestClamdCleanStream(t *testing.T) {
	addr, received := fakeClamd(t, "stream: OK")
	c := NewClamd(addr, 5*time.Second)
	c.chunkSize = 7

	data := []byte("data,importo\n2025-01-10,120.50\n")
	threats, err := c.Scan(context.Background(), "spese.csv", data)
	require.NoError(t, err)
	assert.Empty(t, threats)
	assert.Equal(t, data, <-received)
}

func TestClamdInfectedStream(t *testing.T) {
	addr, _ := fakeClamd(t, "stream: Eicar-Test-Signature FOUND")
	threats, err := NewClamd(addr, 5*time.Second).Scan(context.Background(), "eicar.txt", []byte("X5O!P%@AP"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Eicar-Test-Signature"}, threats)
}

func TestClamdErrors(t *testing.T) {
	addr, _ := fakeClamd(t, "INSTREAM size limit exceeded. ERROR")
	_, err := NewClamd(addr, 5*time.Second).Scan(context.Background(), "big.pdf", []byte("%PDF"))
	assert.ErrorContains(t, err, "size limit exceeded")

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := lis.Addr().String()
	lis.Close()
	_, err = NewClamd(closed, time.Second).Scan(context.Background(), "x.csv", []byte("a"))
	assert.ErrorContains(t, err, "dial clamd")
}

func TestParseReply(t *testing.T) {
	threats, err := parseReply("stream: OK")
	require.NoError(t, err)
	assert.Nil(t, threats)

	threats, err = parseReply("stream: Win.Trojan.Agent-1 FOUND")
	require.NoError(t, err)
	assert.Equal(t, []string{"Win.Trojan.Agent-1"}, threats)

	_, err = parseReply("garbage")
	assert.Error(t, err)
}

type vtServer struct {
	known     map[string]map[string]analysisResult
	pending   int32
	lookups   atomic.Int32
	uploads   atomic.Int32
	analysisN atomic.Int32
}

func (v *vtServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /files/{hash}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-apikey"))
		v.lookups.Add(1)
		results, ok := v.known[r.PathValue("hash")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeReport(w, "", "", "last_analysis_results", results)
	})
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		v.uploads.Add(1)
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer f.Close()
		assert.Equal(t, "fattura.pdf", hdr.Filename)
		writeReport(w, "analysis-1", "", "", nil)
	})
	mux.HandleFunc("GET /analyses/{id}", func(w http.ResponseWriter, r *http.Request) {
		n := v.analysisN.Add(1)
		if n <= v.pending {
			writeReport(w, r.PathValue("id"), "queued", "results", nil)
			return
		}
		writeReport(w, r.PathValue("id"), "completed", "results", map[string]analysisResult{
			"EngineA": {Category: "malicious", Result: "PDF.Exploit"},
			"EngineB": {Category: "undetected"},
		})
	})
	return mux
}

func writeReport(w http.ResponseWriter, id, status, key string, results map[string]analysisResult) {
	attrs := map[string]any{"status": status}
	if key != "" {
		attrs[key] = results
	}
	json.NewEncoder(w).Encode(map[string]any{
		"data": map[string]any{"id": id, "attributes": attrs},
	})
}

func newTestReputation(t *testing.T, v *vtServer) *Reputation {
	t.Helper()
	srv := httptest.NewServer(v.handler(t))
	t.Cleanup(srv.Close)
	r, err := NewReputation(ReputationConfig{
		BaseURL:      srv.URL + "/",
		APIKey:       "test-key",
		PollAttempts: 3,
		PollInterval: time.Millisecond,
		RatePerMin:   600000,
	})
	require.NoError(t, err)
	return r
}

func TestReputationKnownHash(t *testing.T) {
	data := []byte("%PDF-1.7 known")
	v := &vtServer{known: map[string]map[string]analysisResult{
		ingest.Fingerprint(data): {"EngineA": {Category: "malicious", Result: "Eicar"}, "EngineB": {Category: "harmless"}},
	}}
	r := newTestReputation(t, v)

	threats, err := r.Scan(context.Background(), "fattura.pdf", data)
	require.NoError(t, err)
	assert.Equal(t, []string{"EngineA: Eicar"}, threats)

	// second call served from cache
	_, err = r.Scan(context.Background(), "fattura.pdf", data)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v.lookups.Load())
	assert.Equal(t, int32(0), v.uploads.Load())
}

func TestReputationUploadsUnknownAndPolls(t *testing.T) {
	v := &vtServer{known: map[string]map[string]analysisResult{}, pending: 1}
	r := newTestReputation(t, v)

	threats, err := r.Scan(context.Background(), "fattura.pdf", []byte("%PDF-1.7 unknown"))
	require.NoError(t, err)
	assert.Equal(t, []string{"EngineA: PDF.Exploit"}, threats)
	assert.Equal(t, int32(1), v.uploads.Load())
	assert.Equal(t, int32(2), v.analysisN.Load())
}

func TestReputationGivesUpAfterPollBudget(t *testing.T) {
	v := &vtServer{known: map[string]map[string]analysisResult{}, pending: 100}
	r := newTestReputation(t, v)

	_, err := r.Scan(context.Background(), "fattura.pdf", []byte("%PDF-1.7 slow"))
	assert.ErrorIs(t, err, ErrAnalysisPending)
	assert.Equal(t, int32(3), v.analysisN.Load())
}

func TestReputationStopsAtDeadlineUnderDefaultRate(t *testing.T) {
	v := &vtServer{known: map[string]map[string]analysisResult{}, pending: 100}
	srv := httptest.NewServer(v.handler(t))
	defer srv.Close()
	r, err := NewReputation(ReputationConfig{BaseURL: srv.URL, APIKey: "test-key", PollInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = r.Scan(ctx, "fattura.pdf", []byte("%PDF-1.7 never seen"))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(0), v.uploads.Load())
}

func TestReputationServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	r, err := NewReputation(ReputationConfig{BaseURL: srv.URL, APIKey: "k", RatePerMin: 600000})
	require.NoError(t, err)

	_, err = r.Scan(context.Background(), "x.csv", []byte("a,b"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "429"))
}

func TestNewReputationRequiresKey(t *testing.T) {
	_, err := NewReputation(ReputationConfig{BaseURL: "https://example.invalid"})
	assert.Error(t, err)
}
