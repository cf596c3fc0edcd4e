package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

type stubRenderer struct {
	calls int
	err   error
}

func (s *stubRenderer) Fetch(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &crawler.Response{URL: req.URL, StatusCode: 200, Body: []byte("<html>rendered</html>"), Rendered: true}, nil
}

type promoteAll bool

func (p promoteAll) ShouldPromote(*crawler.Response) bool { return bool(p) }

func TestRenderForcedByMeta(t *testing.T) {
	t.Parallel()

	r := &stubRenderer{}
	m, err := NewRender(r, nil, nil)
	require.NoError(t, err)

	plain := crawler.NewRequest("https://a.test/")
	resp, err := m.ProcessRequest(context.Background(), plain)
	require.NoError(t, err)
	require.Nil(t, resp)

	forced := crawler.NewRequest("https://a.test/")
	forced.SetMeta(crawler.MetaRender, true)
	resp, err = m.ProcessRequest(context.Background(), forced)
	require.NoError(t, err)
	require.True(t, resp.Rendered)
	require.Equal(t, 1, r.calls)
}

func TestRenderPromotesPlainResponses(t *testing.T) {
	t.Parallel()

	r := &stubRenderer{}
	m, err := NewRender(r, promoteAll(true), nil)
	require.NoError(t, err)

	plain := &crawler.Response{StatusCode: 200}
	resp, err := m.ProcessResponse(context.Background(), crawler.NewRequest("https://a.test/"), plain)
	require.NoError(t, err)
	require.True(t, resp.Rendered)

	optOut := crawler.NewRequest("https://a.test/")
	optOut.SetMeta(crawler.MetaRender, false)
	resp, err = m.ProcessResponse(context.Background(), optOut, plain)
	require.NoError(t, err)
	require.Same(t, plain, resp)
	require.Equal(t, 1, r.calls)
}

func TestRenderFailureKeepsPlainResponse(t *testing.T) {
	t.Parallel()

	r := &stubRenderer{err: errors.New("chrome not found")}
	m, err := NewRender(r, promoteAll(true), nil)
	require.NoError(t, err)

	plain := &crawler.Response{StatusCode: 200}
	resp, err := m.ProcessResponse(context.Background(), crawler.NewRequest("https://a.test/"), plain)
	require.NoError(t, err)
	require.Same(t, plain, resp)

	forced := crawler.NewRequest("https://a.test/")
	forced.SetMeta(crawler.MetaRender, true)
	_, err = m.ProcessRequest(context.Background(), forced)
	var ff *crawler.FetchFailure
	require.ErrorAs(t, err, &ff)

	_, err = NewRender(nil, nil, nil)
	require.Error(t, err)
}
