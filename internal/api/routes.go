package api

import "github.com/gorilla/mux"

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws/status", s.handleStatusStream).Methods("GET", "OPTIONS")
}

func registerTradeRoutes(r *mux.Router, s *Server) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/inventory", s.handleSubmitInventory).Methods("POST", "OPTIONS")
	v1.HandleFunc("/inventory", s.handleRemoveInventory).Methods("DELETE")
	v1.HandleFunc("/wants", s.handleSubmitWants).Methods("POST", "OPTIONS")
	v1.HandleFunc("/wants", s.handleRemoveWants).Methods("DELETE")
	v1.HandleFunc("/transfers", s.handleTransfer).Methods("POST", "OPTIONS")
	v1.HandleFunc("/rescan", s.handleRescan).Methods("POST", "OPTIONS")

	v1.HandleFunc("/trades", s.handleListTrades).Methods("GET", "OPTIONS")
	v1.HandleFunc("/trades/{fingerprint}", s.handleGetTrade).Methods("GET", "OPTIONS")
	v1.HandleFunc("/wallets/{id}/trades", s.handleWalletTrades).Methods("GET", "OPTIONS")
	v1.HandleFunc("/wallets/{id}", s.handleRemoveWallet).Methods("DELETE", "OPTIONS")

	v1.HandleFunc("/stream", s.handleStream).Methods("GET", "OPTIONS")
}
