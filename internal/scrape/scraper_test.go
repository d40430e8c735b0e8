package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const listingPage = `<html><body>
<table class="convocatorias"><tbody>
<tr>
  <td class="nomenclatura">AS-SM-12-2024-MDS-1</td>
  <td class="entidad">MUNICIPALIDAD DISTRITAL DE SOCABAYA</td>
  <td class="descripcion">Servicio de  limpieza de vías</td>
  <td class="anio">2024</td>
  <td class="valor">S/ 1,250,000.50</td>
  <td class="objeto">Servicio</td>
  <td class="departamento">AREQUIPA</td>
  <td class="provincia">Por Determinar</td>
  <td class="distrito">SOCABAYA</td>
</tr>
<tr><td class="entidad">row without code</td></tr>
</tbody></table>
<a class="siguiente" href="/listado?page=2">siguiente</a>
</body></html>`

func TestFetchPageExtractsRecords(t *testing.T) {
	t.Parallel()

	agents := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case agents <- r.UserAgent():
		default:
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, listingPage)
	}))
	defer srv.Close()

	s := New(Config{UserAgent: "enricher-test", Timeout: time.Second})
	page, err := s.FetchPage(context.Background(), srv.URL+"/listado")
	require.NoError(t, err)
	require.Equal(t, "enricher-test", <-agents)
	require.Len(t, page.Records, 1)
	require.Equal(t, 1, page.Skipped)
	require.Equal(t, srv.URL+"/listado?page=2", page.Next)

	rec := page.Records[0]
	require.Equal(t, "AS-SM-12-2024-MDS-1", rec.Code)
	require.Equal(t, "Servicio de limpieza de vías", rec.Description)
	require.Equal(t, 2024, rec.Year)
	require.InDelta(t, 1250000.50, rec.Amount, 0.001)
	require.Equal(t, "Por Determinar", rec.Province)
	require.Equal(t, srv.URL+"/listado", rec.SourceURL)
}

func TestFetchPageReportsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(Config{Timeout: time.Second}).FetchPage(context.Background(), srv.URL)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusServiceUnavailable, se.Code)
	require.True(t, Retryable(err))
}

type recordingPacer struct {
	urls []string
	err  error
}

func (p *recordingPacer) Wait(_ context.Context, url string) error {
	p.urls = append(p.urls, url)
	return p.err
}

func TestFetchPageWaitsOnPacer(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, listingPage)
	}))
	defer srv.Close()

	pacer := &recordingPacer{}
	s := New(Config{Timeout: time.Second, Pacer: pacer})
	_, err := s.FetchPage(context.Background(), srv.URL+"/listado")
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/listado"}, pacer.urls)

	pacer.err = context.DeadlineExceeded
	_, err = s.FetchPage(context.Background(), srv.URL+"/listado")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, hits.Load())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, Retryable(nil))
	require.False(t, Retryable(context.Canceled))
	require.False(t, Retryable(&StatusError{Code: http.StatusNotFound}))
	require.True(t, Retryable(&StatusError{Code: http.StatusTooManyRequests}))
	require.True(t, Retryable(errors.New("read: connection reset by peer")))
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2023, parseYear("Año 2023"))
	require.Zero(t, parseYear("n/a"))
	require.InDelta(t, 980.0, parseAmount("S/ 980"), 0.001)
	require.Zero(t, parseAmount("—"))
}
