// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAPI_RegisterNodeAppearsInList(t *testing.T) {
	srv, token := newTestServer(t)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/api/v1/nodes", token, map[string]string{
		"name":            "edge-01",
		"data_address":    "203.0.113.10:25565",
		"control_address": "10.0.0.5:9090",
		"interface":       "eth0",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var node nodeDTO
	decodeBody(t, rec, &node)
	require.NotEmpty(t, node.ID)
	require.Equal(t, "active", node.Status)

	listRec := doRequest(t, router, http.MethodGet, "/api/v1/nodes", token, nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var nodes []nodeDTO
	decodeBody(t, listRec, &nodes)
	require.Len(t, nodes, 1)
	require.Equal(t, node.ID, nodes[0].ID)
}

func TestAPI_RegisterNodeRejectsMissingControlAddress(t *testing.T) {
	srv, token := newTestServer(t)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/v1/nodes", token, map[string]string{
		"name": "edge-01",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
