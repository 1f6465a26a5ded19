package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsync/internal/importer"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// updateResponse は更新結果のJSONレスポンス。
type updateResponse struct {
	Feeds           int      `json:"feeds"`
	NewArticles     int      `json:"new_articles"`
	ChangedArticles int      `json:"changed_articles"`
	Errors          []string `json:"errors"`
}

func newUpdateResponse(res repository.UpdateResult) updateResponse {
	errs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		errs = append(errs, err.Error())
	}
	return updateResponse{
		Feeds:           len(res.Feeds),
		NewArticles:     len(res.NewArticles),
		ChangedArticles: len(res.ChangedArticles),
		Errors:          errs,
	}
}

// feedResponse はフィード一覧の要素。
type feedResponse struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	URL           string   `json:"url,omitempty"`
	Query         string   `json:"query,omitempty"`
	Tags          []string `json:"tags"`
	Unread        int      `json:"unread"`
	WaitPeriod    int      `json:"wait_period"`
	RemainingWait int      `json:"remaining_wait"`
}

type importRequest struct {
	URL string `json:"url"`
}

type importResponse struct {
	Kind    string   `json:"kind"`
	Feeds   []string `json:"feeds"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// NewRouter はserveコマンドのルーティングを構成したchi.Routerを返す。
//
//	GET  /health      稼働確認
//	GET  /metrics     Prometheusメトリクス
//	GET  /feeds       フィード一覧
//	POST /refresh     全フィードの更新
//	POST /import      URLまたはファイルの取り込み
//	GET  /export.opml OPMLエクスポート
func NewRouter(e *Engine, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, "/health", "/metrics"))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "ok",
			"migration": e.Migration.State().String(),
		})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(e.Registry))

	r.Get("/feeds", func(w http.ResponseWriter, r *http.Request) {
		feeds, err := e.Repository.Feeds(r.Context()).Wait(r.Context())
		if err != nil {
			logger.Error("フィード一覧の取得に失敗しました", slog.String("error", err.Error()))
			middleware.WriteSyncError(w, err)
			return
		}
		resp := make([]feedResponse, 0, len(feeds))
		for _, f := range feeds {
			resp = append(resp, feedResponse{
				ID:            f.StoreID(),
				Title:         f.DisplayTitle(),
				URL:           f.URL(),
				Query:         f.Query(),
				Tags:          f.Tags(),
				Unread:        f.UnreadCount(),
				WaitPeriod:    f.WaitPeriod(),
				RemainingWait: f.RemainingWait(),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
		res, err := e.Repository.UpdateFeeds(r.Context()).Wait(r.Context())
		if err != nil {
			middleware.WriteSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newUpdateResponse(res))
	})

	r.Post("/import", func(w http.ResponseWriter, r *http.Request) {
		var req importRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !isRemoteURL(req.URL) {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, middleware.ErrorResponseBody{
				Code:    model.ErrCodeInvalidURL,
				Message: "httpまたはhttpsのurlを指定してください。",
			})
			return
		}

		item, err := e.Importer.ScanForImportable(r.Context(), req.URL)
		if err != nil {
			middleware.WriteSyncError(w, err)
			return
		}
		res, err := e.Importer.ImportItem(r.Context(), req.URL)
		var notImportable *importer.NotImportableError
		switch {
		case errors.As(err, &notImportable):
			middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, middleware.ErrorResponseBody{
				Code:    "NOT_IMPORTABLE",
				Message: notImportable.Error(),
			})
			return
		case errors.Is(err, importer.ErrDuplicateFeed):
			middleware.WriteErrorResponse(w, http.StatusConflict, middleware.ErrorResponseBody{
				Code:    "DUPLICATE_FEED",
				Message: err.Error(),
			})
			return
		case err != nil:
			middleware.WriteSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newImportResponse(item, res))
	})

	r.Get("/export.opml", func(w http.ResponseWriter, r *http.Request) {
		path, err := e.OPML.WriteOPML(r.Context())
		if err != nil {
			logger.Error("OPMLの書き出しに失敗しました", slog.String("error", err.Error()))
			middleware.WriteSyncError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
		http.ServeFile(w, r, path)
	})

	return r
}

func newImportResponse(item importer.Item, res importer.Result) importResponse {
	resp := importResponse{
		Kind:    item.Kind.String(),
		Feeds:   make([]string, 0, len(res.Feeds)),
		Skipped: res.Skipped,
		Errors:  make([]string, 0, len(res.Errors)),
	}
	for _, f := range res.Feeds {
		resp.Feeds = append(resp.Feeds, f.StoreID())
	}
	for _, err := range res.Errors {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return resp
}

// isRemoteURL はHTTP経由の取り込みで受け付けるURLかを返す。
// ローカルファイルの取り込みはimportコマンドからのみ行う。
func isRemoteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
