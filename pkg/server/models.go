package server

import (
	"net/http"
	"sort"

	"github.com/lemonade-run/gateway/pkg/catalog"
)

// modelEntry is one row of the OpenAI-shaped GET /models listing: the
// standard id/object envelope carrying the gateway's own descriptor
// fields alongside.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	*catalog.Descriptor
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	showAll := r.URL.Query().Get("show_all") == "true"

	var (
		models map[string]*catalog.Descriptor
		err    error
	)
	if showAll {
		models, err = s.cat.GetSupportedModels()
	} else {
		models, err = s.cat.GetDownloadedModels()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	data := make([]modelEntry, 0, len(models))
	for name, d := range models {
		data = append(data, modelEntry{
			ID:         name,
			Object:     "model",
			OwnedBy:    "lemonade",
			Descriptor: d,
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	d, err := s.cat.GetModelInfo(name)
	if err != nil {
		writeNotFound(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelEntry{
		ID:         name,
		Object:     "model",
		OwnedBy:    "lemonade",
		Descriptor: d,
	})
}
