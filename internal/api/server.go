package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/tabvolume/internal/apperr"
	"github.com/dgnsrekt/tabvolume/internal/control"
	"github.com/dgnsrekt/tabvolume/internal/feed"
	"github.com/dgnsrekt/tabvolume/internal/types"
)

// Service is the control surface the API drives. control.Panel implements it.
type Service interface {
	Visible() []types.Item
	Item(tabID int) (types.Item, bool)
	SetVolume(ctx context.Context, tabID int, volume float64) error
	ActivateTab(ctx context.Context, tabID int) error
	Volumes(ctx context.Context) (map[int]float64, error)
}

// itemView is an item as rendered by the control surface.
type itemView struct {
	types.Item
	Adjustable bool `json:"adjustable" doc:"Whether the volume control can be used without focusing the tab first"`
}

func newItemView(item types.Item) itemView {
	return itemView{Item: item, Adjustable: control.Adjustable(item)}
}

type tabIDInput struct {
	TabID int `path:"tab_id" minimum:"1" doc:"Tab id"`
}

type itemOutput struct {
	Body itemView
}

type statusOutput struct {
	Body struct {
		TabID  int    `json:"tabId"`
		Status string `json:"status"`
	}
}

func NewServer(svc Service, broker *feed.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabvolume API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/events", feed.SSEHandler(broker))
	}

	registerHealthHandlers(api)
	registerItemHandlers(api, svc)

	return router
}

func registerHealthHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})
}

func registerItemHandlers(api huma.API, svc Service) {
	type listItemsOutput struct {
		Body struct {
			Items []itemView `json:"items"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-items", Method: http.MethodGet, Path: "/api/v1/items", Summary: "List the tabs shown on the control surface", Tags: []string{"Items"}},
		func(ctx context.Context, input *struct{}) (*listItemsOutput, error) {
			out := &listItemsOutput{}
			out.Body.Items = []itemView{}
			for _, item := range svc.Visible() {
				out.Body.Items = append(out.Body.Items, newItemView(item))
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-item", Method: http.MethodGet, Path: "/api/v1/items/{tab_id}", Summary: "Get one tab's item", Tags: []string{"Items"}},
		func(ctx context.Context, input *tabIDInput) (*itemOutput, error) {
			item, ok := svc.Item(input.TabID)
			if !ok {
				return nil, mapErr(apperr.Errorf(apperr.CodeTabNotFound, "tab %d is not listed", input.TabID))
			}
			return &itemOutput{Body: newItemView(item)}, nil
		})

	type setVolumeInput struct {
		TabID int `path:"tab_id" minimum:"1" doc:"Tab id"`
		Body  struct {
			Volume float64 `json:"volume" doc:"Volume percentage; above 100 boosts the tab"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-volume", Method: http.MethodPut, Path: "/api/v1/items/{tab_id}/volume", Summary: "Set a tab's volume", Tags: []string{"Items"}},
		func(ctx context.Context, input *setVolumeInput) (*itemOutput, error) {
			if err := svc.SetVolume(ctx, input.TabID, input.Body.Volume); err != nil {
				return nil, mapErr(err)
			}
			item, ok := svc.Item(input.TabID)
			if !ok {
				return nil, mapErr(apperr.Errorf(apperr.CodeTabNotFound, "tab %d closed", input.TabID))
			}
			return &itemOutput{Body: newItemView(item)}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "activate-tab", Method: http.MethodPost, Path: "/api/v1/items/{tab_id}/activate", Summary: "Focus a tab", Tags: []string{"Items"}},
		func(ctx context.Context, input *tabIDInput) (*statusOutput, error) {
			if err := svc.ActivateTab(ctx, input.TabID); err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.TabID = input.TabID
			out.Body.Status = "activated"
			return out, nil
		})

	type volumeEntry struct {
		TabID  int     `json:"tabId"`
		Volume float64 `json:"volume"`
	}
	type volumesOutput struct {
		Body struct {
			Volumes []volumeEntry `json:"volumes"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-volumes", Method: http.MethodGet, Path: "/api/v1/volumes", Summary: "List recorded tab volumes", Tags: []string{"Volumes"}},
		func(ctx context.Context, input *struct{}) (*volumesOutput, error) {
			vols, err := svc.Volumes(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &volumesOutput{}
			out.Body.Volumes = make([]volumeEntry, 0, len(vols))
			for id, v := range vols {
				out.Body.Volumes = append(out.Body.Volumes, volumeEntry{TabID: id, Volume: v})
			}
			sort.Slice(out.Body.Volumes, func(i, j int) bool { return out.Body.Volumes[i].TabID < out.Body.Volumes[j].TabID })
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *apperr.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case apperr.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case apperr.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case apperr.CodeNoRouting:
			return huma.Error409Conflict(coded.Message)
		case apperr.CodeTimeout, apperr.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case apperr.CodeCDPUnavailable, apperr.CodeHostUnavailable, apperr.CodeNoHandler, apperr.CodeTargetGone:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
