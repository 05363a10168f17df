package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBytes = 1 << 20

// NewGateway maps the HTTP/JSON routes onto api. Responses and errors use
// the same JSON shapes as the gRPC service.
func NewGateway(api LedgerServer) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		handle          func(r *http.Request, p map[string]string) (any, error)
	}{
		{"GET", "/v1/state", func(r *http.Request, _ map[string]string) (any, error) {
			return api.GetState(r.Context(), &Empty{})
		}},
		{"GET", "/v1/markets", func(r *http.Request, _ map[string]string) (any, error) {
			return api.ListMarkets(r.Context(), &Empty{})
		}},
		{"GET", "/v1/factories/{factory}/vaults/{owner}", func(r *http.Request, p map[string]string) (any, error) {
			return api.GetVault(r.Context(), &VaultRequest{Factory: p["factory"], Owner: p["owner"]})
		}},
		{"GET", "/v1/factories/{factory}/converters", func(r *http.Request, p map[string]string) (any, error) {
			return api.GetTrustedConverters(r.Context(), &FactoryRequest{Factory: p["factory"]})
		}},
		{"GET", "/v1/accounts/{owner}/{number}", func(r *http.Request, p map[string]string) (any, error) {
			n, err := strconv.ParseUint(p["number"], 10, 64)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid account number %q", p["number"])
			}
			return api.GetAccount(r.Context(), &AccountRequest{Owner: p["owner"], Number: n})
		}},
		{"GET", "/v1/converters/{converter}/quote", func(r *http.Request, p map[string]string) (any, error) {
			return api.GetQuote(r.Context(), &QuoteRequest{Converter: p["converter"], Amount: r.URL.Query().Get("amount")})
		}},
		{"GET", "/v1/settlements/{owner}", func(r *http.Request, p map[string]string) (any, error) {
			limit := 0
			if s := r.URL.Query().Get("limit"); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "invalid limit %q", s)
				}
				limit = n
			}
			return api.ListSettlements(r.Context(), &SettlementsRequest{Owner: p["owner"], Limit: limit})
		}},
		{"GET", "/v1/admin/integrity", func(r *http.Request, _ map[string]string) (any, error) {
			return api.VerifyIntegrity(r.Context(), &Empty{})
		}},
		{"POST", "/v1/commands/{event_type}", func(r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes))
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
			}
			return api.SubmitCommand(r.Context(), &SubmitRequest{EventType: p["event_type"], Payload: body})
		}},
	}

	for _, rt := range routes {
		handle := rt.handle
		err := mux.HandlePath(rt.method, rt.pattern, func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			resp, err := handle(r, p)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		})
		if err != nil {
			return nil, err
		}
	}
	return mux, nil
}

// errorBody mirrors the gateway's google.rpc.Status JSON.
type errorBody struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{
		Code:    int32(st.Code()),
		Message: st.Message(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
