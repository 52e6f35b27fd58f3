package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

const cardSelector = "[data-job-card], .job-card"

func TestDetectorNeedsBrowser(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("<p>static content</p>", 200)
	tests := []struct {
		name string
		resp crawler.FetchResponse
		want bool
	}{
		{"empty body", crawler.FetchResponse{StatusCode: http.StatusOK}, true},
		{"whitespace body", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("  \n")}, true},
		{"error status", crawler.FetchResponse{StatusCode: http.StatusNotFound}, false},
		{"next shell", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<div id="__next"></div>`)}, true},
		{"react root", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<div data-reactroot></div>` + longText)}, true},
		{
			"script heavy",
			crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<html><script>window.boot({a:1,b:2})</script><p>x</p></html>`)},
			true,
		},
		{
			"cards present despite shell marker",
			crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<div id="root"><div class="job-card">x</div></div>`)},
			false,
		},
		{"plain static page", crawler.FetchResponse{StatusCode: http.StatusOK, Body: []byte("<html>" + longText + "</html>")}, false},
	}
	d := NewDetector(cardSelector, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, d.NeedsBrowser(tt.resp))
		})
	}
	assert.Equal(t, DefaultMinBodyBytes, d.MinBodyBytes)
}

func TestPromotingKeepsStaticResponse(t *testing.T) {
	t.Parallel()

	static := &mockFetcher{}
	browser := &mockFetcher{}
	body := []byte(`<div class="job-card">Engineer</div>`)
	static.On("Fetch", mock.Anything, page).Return(crawler.FetchResponse{StatusCode: 200, Body: body}, nil).Once()

	resp, err := NewPromoting(static, browser, NewDetector(cardSelector, 0), nil).Fetch(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, resp.UsedHeadless)
	assert.Equal(t, body, resp.Body)
	static.AssertExpectations(t)
	browser.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestPromotingUsesBrowserForShell(t *testing.T) {
	t.Parallel()

	static := &mockFetcher{}
	browser := &mockFetcher{}
	static.On("Fetch", mock.Anything, page).
		Return(crawler.FetchResponse{StatusCode: 200, Body: []byte(`<div id="__next"></div>`)}, nil).Once()
	browser.On("Fetch", mock.Anything, page).
		Return(crawler.FetchResponse{StatusCode: 200, Body: []byte(`<div class="job-card">x</div>`)}, nil).Once()

	resp, err := NewPromoting(static, browser, NewDetector(cardSelector, 0), nil).Fetch(context.Background(), page)
	require.NoError(t, err)
	assert.True(t, resp.UsedHeadless)
	assert.Contains(t, string(resp.Body), "job-card")
	static.AssertExpectations(t)
	browser.AssertExpectations(t)
}

func TestPromotingErrors(t *testing.T) {
	t.Parallel()

	static := &mockFetcher{}
	static.On("Fetch", mock.Anything, page).Return(crawler.FetchResponse{}, errors.New("dial tcp")).Once()
	_, err := NewPromoting(static, &mockFetcher{}, NewDetector(cardSelector, 0), nil).Fetch(context.Background(), page)
	require.EqualError(t, err, "dial tcp")

	static = &mockFetcher{}
	browser := &mockFetcher{}
	static.On("Fetch", mock.Anything, page).Return(crawler.FetchResponse{StatusCode: 200}, nil).Once()
	browser.On("Fetch", mock.Anything, page).Return(crawler.FetchResponse{}, errors.New("chrome crashed")).Once()
	_, err = NewPromoting(static, browser, NewDetector(cardSelector, 0), nil).Fetch(context.Background(), page)
	require.ErrorContains(t, err, "headless fetch: chrome crashed")
}
