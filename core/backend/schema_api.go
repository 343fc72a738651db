// Copyright 2026 Basin Tech GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@basin-tech.com
//

package backend

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/basin-tech/basin/core/apierror"
	"github.com/basin-tech/basin/core/schema"
)

// collectionRequest is the body of collection create and update requests.
type collectionRequest struct {
	Name   string         `json:"name"`
	Kind   schema.Kind    `json:"kind,omitempty"`
	Fields []schema.Field `json:"fields,omitempty"`
}

func (b *Backend) collectionsListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, b.registry.List())
}

func (b *Backend) collectionGetHandler(w http.ResponseWriter, r *http.Request) {
	c, err := b.registry.Get(mux.Vars(r)["collection"])
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (b *Backend) collectionCreateHandler(w http.ResponseWriter, r *http.Request) {
	var request collectionRequest
	if err := readBody(r, &request); err != nil {
		apierror.Write(w, err)
		return
	}
	c, err := b.registry.Create(request.Name, request.Kind, request.Fields)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (b *Backend) collectionUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var request collectionRequest
	if err := readBody(r, &request); err != nil {
		apierror.Write(w, err)
		return
	}
	if request.Name == "" {
		apierror.Write(w, apierror.Validation("name must not be empty"))
		return
	}
	c, err := b.registry.Rename(mux.Vars(r)["collection"], request.Name)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (b *Backend) collectionDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := b.registry.Delete(mux.Vars(r)["collection"]); err != nil {
		apierror.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) fieldCreateHandler(w http.ResponseWriter, r *http.Request) {
	var field schema.Field
	if err := readBody(r, &field); err != nil {
		apierror.Write(w, err)
		return
	}
	c, err := b.registry.AddField(mux.Vars(r)["collection"], field)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (b *Backend) fieldUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var patch schema.FieldPatch
	if err := readBody(r, &patch); err != nil {
		apierror.Write(w, err)
		return
	}
	vars := mux.Vars(r)
	c, err := b.registry.UpdateField(vars["collection"], vars["field"], patch)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (b *Backend) fieldDeleteHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	c, err := b.registry.RemoveField(vars["collection"], vars["field"])
	if err != nil {
		apierror.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
