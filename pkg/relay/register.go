// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/relaygate/pkg/logger"
)

// DCRRequest is a dynamic client registration request per RFC 7591.
type DCRRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// DCRResponse is a dynamic client registration response per RFC 7591.
type DCRResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
}

// DCRError is a registration error response per RFC 7591 Section 3.2.2.
type DCRError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// RegisterClientHandler handles POST /oauth/register requests.
// It implements RFC 7591 Dynamic Client Registration for public clients.
func (rt *Router) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	var dcrReq DCRRequest
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		writeDCRError(w, &DCRError{
			Error:            "invalid_client_metadata",
			ErrorDescription: "invalid JSON request body",
		})
		return
	}

	if len(dcrReq.RedirectURIs) == 0 {
		writeDCRError(w, &DCRError{
			Error:            "invalid_redirect_uri",
			ErrorDescription: "at least one redirect_uri is required",
		})
		return
	}

	for _, uri := range dcrReq.RedirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() {
			writeDCRError(w, &DCRError{
				Error:            "invalid_redirect_uri",
				ErrorDescription: "redirect_uri must be an absolute URI",
			})
			return
		}
	}

	// Only the public-client profile is supported; reject requests that
	// ask for client secret authentication.
	if dcrReq.TokenEndpointAuthMethod != "" && dcrReq.TokenEndpointAuthMethod != "none" {
		writeDCRError(w, &DCRError{
			Error:            "invalid_client_metadata",
			ErrorDescription: "only token_endpoint_auth_method=none is supported",
		})
		return
	}

	grantTypes := dcrReq.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}

	responseTypes := dcrReq.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	clientID := uuid.NewString()

	rt.clients.Register(&Client{
		ID:           clientID,
		Name:         dcrReq.ClientName,
		RedirectURIs: dcrReq.RedirectURIs,
		CreatedAt:    time.Now(),
	})

	logger.Infow("registered new DCR client",
		"client_id", clientID,
		"client_name", dcrReq.ClientName,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(DCRResponse{
		ClientID:                clientID,
		ClientIDIssuedAt:        time.Now().Unix(),
		RedirectURIs:            dcrReq.RedirectURIs,
		ClientName:              dcrReq.ClientName,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
	}); err != nil {
		logger.Errorw("failed to encode DCR response",
			"error", err.Error(),
		)
	}
}

// writeDCRError writes a DCR error response per RFC 7591 Section 3.2.2.
func writeDCRError(w http.ResponseWriter, dcrErr *DCRError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(dcrErr)
}
