package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tradeweave/loopengine/internal/chain"
	"github.com/tradeweave/loopengine/internal/models"
)

type inventoryRequest struct {
	WalletID string           `json:"wallet_id"`
	Items    []models.ItemRef `json:"items"`
	// Replace swaps the wallet's whole owned set instead of merging.
	Replace bool `json:"replace,omitempty"`
	// BaseVersion makes the write conditional; zero means unconditional.
	BaseVersion uint64 `json:"base_version,omitempty"`
}

type inventoryRemoveRequest struct {
	WalletID    string   `json:"wallet_id"`
	ItemIDs     []string `json:"item_ids"`
	BaseVersion uint64   `json:"base_version,omitempty"`
}

type wantsRequest struct {
	WalletID      string   `json:"wallet_id"`
	ItemIDs       []string `json:"item_ids,omitempty"`
	CollectionIDs []string `json:"collection_ids,omitempty"`
	BaseVersion   uint64   `json:"base_version,omitempty"`
}

type transferRequest struct {
	ItemID       string `json:"item_id"`
	FromWalletID string `json:"from_wallet_id"`
	ToWalletID   string `json:"to_wallet_id"`
	BaseVersion  uint64 `json:"base_version,omitempty"`
}

type commitResponse struct {
	GraphVersion uint64 `json:"graph_version"`
	Changed      bool   `json:"changed"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) applyOps(w http.ResponseWriter, r *http.Request, baseVersion uint64, ops ...models.DeltaOp) {
	res, err := s.svc.ApplyDelta(r.Context(), models.GraphDelta{
		TenantID:    TenantFromContext(r.Context()),
		BaseVersion: baseVersion,
		Ops:         ops,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeAPIResponse(w, commitResponse{GraphVersion: res.Version, Changed: res.Changed}, nil, nil)
}

func (s *Server) handleSubmitInventory(w http.ResponseWriter, r *http.Request) {
	var req inventoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	items := s.svc.ResolveCollections(r.Context(), TenantFromContext(r.Context()), req.Items)
	var op models.DeltaOp
	if req.Replace {
		op = models.InventoryReplace{Wallet: req.WalletID, Items: items}
	} else {
		op = models.InventoryMerge{Wallet: req.WalletID, Items: items}
	}
	s.applyOps(w, r, req.BaseVersion, op)
}

func (s *Server) handleRemoveInventory(w http.ResponseWriter, r *http.Request) {
	var req inventoryRemoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.applyOps(w, r, req.BaseVersion, models.InventoryRemove{
		Wallet:  req.WalletID,
		ItemIDs: req.ItemIDs,
	})
}

func (s *Server) handleSubmitWants(w http.ResponseWriter, r *http.Request) {
	var req wantsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.applyOps(w, r, req.BaseVersion, models.WantsMerge{
		Wallet:          req.WalletID,
		SpecificItemIDs: req.ItemIDs,
		CollectionIDs:   req.CollectionIDs,
	})
}

func (s *Server) handleRemoveWants(w http.ResponseWriter, r *http.Request) {
	var req wantsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.applyOps(w, r, req.BaseVersion, models.WantsRemove{
		Wallet:          req.WalletID,
		SpecificItemIDs: req.ItemIDs,
		CollectionIDs:   req.CollectionIDs,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.applyOps(w, r, req.BaseVersion, models.Transfer{
		ItemID:     req.ItemID,
		FromWallet: req.FromWalletID,
		ToWallet:   req.ToWalletID,
	})
}

func (s *Server) handleRemoveWallet(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["id"]
	var baseVersion uint64
	if v := r.URL.Query().Get("base_version"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid base_version")
			return
		}
		baseVersion = n
	}
	s.applyOps(w, r, baseVersion, models.WalletRemove{Wallet: walletID})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	page, err := s.svc.QueryTrades(r.Context(), TenantFromContext(r.Context()), parseTradeQuery(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	var links map[string]string
	if page.NextCursor != "" {
		links = map[string]string{"next": "/v1/trades?cursor=" + page.NextCursor}
	}
	writeAPIResponse(w, page.Loops, tradePageMeta(page), links)
}

func (s *Server) handleWalletTrades(w http.ResponseWriter, r *http.Request) {
	q := parseTradeQuery(r)
	q.Wallet = mux.Vars(r)["id"]
	page, err := s.svc.QueryTrades(r.Context(), TenantFromContext(r.Context()), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeAPIResponse(w, page.Loops, tradePageMeta(page), nil)
}

type tradeDetail struct {
	models.CachedLoop
	// Settlement is present when a chain adapter is configured for the
	// tenant and the payload has been materialized.
	Settlement *chain.Payload `json:"settlement,omitempty"`
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantFromContext(r.Context())
	fingerprint := mux.Vars(r)["fingerprint"]

	loop, err := s.svc.GetTrade(r.Context(), tenantID, fingerprint)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	detail := tradeDetail{CachedLoop: loop}
	if s.mat != nil {
		if p, ok := s.mat.Payload(tenantID, fingerprint); ok {
			detail.Settlement = &p
		}
	}
	writeAPIResponse(w, detail, nil, nil)
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RequestRescan(TenantFromContext(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(apiEnvelope{
		Data: map[string]string{"status": "rescan_scheduled"},
	})
}
