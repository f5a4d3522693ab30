package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/querypilot/querypilot/internal/runtime"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/store"
)

// DatasetsHandler registers datasets and loads their rows so questions can
// be asked against them.
type DatasetsHandler struct {
	Store *store.Store
}

func (h *DatasetsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.create)
	g.GET("", h.list)
}

// Create
//
//	@Summary		Register a dataset and load its rows
//	@Description	Field types are inferred from the rows when not given
//	@Tags			datasets
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		DatasetCreateRequest	true	"Dataset payload"
//	@Success		201		{object}	DatasetCreatedResponse
//	@Failure		400		{object}	HTTPError
//	@Router			/api/datasets [post]
func (h *DatasetsHandler) create(c echo.Context) error {
	var req DatasetCreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name required")
	}
	if len(req.Rows) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rows required")
	}
	userID, _ := c.Get("user_id").(string)

	fields := req.Fields
	if len(fields) == 0 {
		fields = inferFields(req.Rows)
	}
	if len(fields) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "rows carry no fields")
	}

	ctx := c.Request().Context()
	id, err := h.Store.CreateDataset(ctx, userID, req.Name, fields)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Store.InsertDatasetRows(ctx, id, req.Rows); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, DatasetCreatedResponse{
		DatasetID: id,
		Name:      req.Name,
		RowCount:  len(req.Rows),
		Fields:    fields,
	})
}

// List
//
//	@Summary	List the caller's datasets, newest first
//	@Tags		datasets
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{array}	DatasetItem
//	@Router		/api/datasets [get]
func (h *DatasetsHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	datasets, err := h.Store.ListDatasets(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]DatasetItem, 0, len(datasets))
	for _, d := range datasets {
		out = append(out, DatasetItem{
			ID:        d.ID,
			Name:      d.Name,
			RowCount:  d.RowCount,
			Fields:    d.Fields,
			CreatedAt: d.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

const fieldSampleLimit = 50

// inferFields derives a schema context from the rows themselves: every key
// seen becomes a field, typed from its sample values. Field order is
// alphabetical so repeated uploads of the same data agree.
func inferFields(rows []map[string]interface{}) []schema.Field {
	samples := make(map[string][]string)
	nullable := make(map[string]bool)
	for i, row := range rows {
		if i >= fieldSampleLimit {
			break
		}
		for name, value := range row {
			if value == nil {
				nullable[name] = true
				continue
			}
			if _, seen := samples[name]; !seen {
				samples[name] = nil
			}
			samples[name] = append(samples[name], fmt.Sprint(value))
		}
	}

	names := make([]string, 0, len(samples))
	for name := range samples {
		names = append(names, name)
	}
	for name := range nullable {
		if _, ok := samples[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fields := make([]schema.Field, 0, len(names))
	for _, name := range names {
		values := samples[name]
		preview := values
		if len(preview) > 5 {
			preview = preview[:5]
		}
		fields = append(fields, schema.Field{
			Name:         name,
			Type:         schema.InferType(values),
			Nullable:     nullable[name],
			SampleValues: preview,
		})
	}
	return fields
}
