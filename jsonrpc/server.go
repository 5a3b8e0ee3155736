package jsonrpc

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"strings"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/holiman/uint256"

	"github.com/decent-stuff/decent-cloud/config"
	"github.com/decent-stuff/decent-cloud/contracts"
	"github.com/decent-stuff/decent-cloud/datasync"
	"github.com/decent-stuff/decent-cloud/identity"
	"github.com/decent-stuff/decent-cloud/ledger"
	"github.com/decent-stuff/decent-cloud/lederr"
	"github.com/decent-stuff/decent-cloud/logx"
	"github.com/decent-stuff/decent-cloud/monitoring"
	"github.com/decent-stuff/decent-cloud/registry"
	"github.com/decent-stuff/decent-cloud/reputation"
	"github.com/decent-stuff/decent-cloud/rewards"
	"github.com/decent-stuff/decent-cloud/token"
	"github.com/decent-stuff/decent-cloud/types"
	"github.com/mr-tron/base58"
)

// --- Error type used by handlers ---

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func toJRPC2Error(e *rpcError) error {
	if e == nil {
		return nil
	}
	return jrpc2.Errorf(jrpc2.Code(e.Code), "%s", e.Message).WithData(e.Data)
}

func fromDomainError(err error) *rpcError {
	code := lederr.CodeOf(err)
	var num int
	switch {
	case lederr.IsValidation(err):
		num = -32001
	case lederr.IsConflict(err):
		num = -32002
	case lederr.IsIntegrity(err):
		num = -32003
	case lederr.IsTransient(err):
		num = -32004
	default:
		num = -32000
	}
	return &rpcError{Code: num, Message: err.Error(), Data: string(code)}
}

// --- Params/Results ---

// Ledger
type entriesRequest struct {
	Label            string `json:"label"`
	Offset           uint64 `json:"offset"`
	Limit            uint64 `json:"limit"`
	IncludeNextBlock bool   `json:"include_next_block"`
}

type entryData struct {
	Label     string `json:"label"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Operation string `json:"operation"`
}

type entriesResponse struct {
	Entries    []entryData `json:"entries"`
	HasMore    bool        `json:"has_more"`
	TotalCount uint64      `json:"total_count"`
}

type getEntryRequest struct {
	Label string `json:"label"`
	Key   string `json:"key"`
}

type getEntryResponse struct {
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
}

type getBlocksRequest struct {
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

type blockData struct {
	Offset      uint64      `json:"offset"`
	ParentHash  string      `json:"parent_hash"`
	BlockHash   string      `json:"block_hash"`
	TimestampNs uint64      `json:"timestamp_ns"`
	Entries     []entryData `json:"entries"`
}

type delegatedRangeData struct {
	Start    uint64 `json:"start"`
	Length   uint64 `json:"length"`
	Callback string `json:"callback"`
}

type getBlocksResponse struct {
	Blocks    []blockData          `json:"blocks"`
	LogLength uint64               `json:"log_length"`
	Delegated []delegatedRangeData `json:"delegated,omitempty"`
}

type commitResponse struct {
	Offset    uint64 `json:"offset"`
	BlockHash string `json:"block_hash"`
}

type proofStepData struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

type certifyResponse struct {
	Root      string          `json:"root"`
	LogLength uint64          `json:"log_length"`
	TipHash   string          `json:"tip_hash"`
	Path      []proofStepData `json:"path"`
}

type ledgerMetadataResponse struct {
	BlocksCount     uint64 `json:"blocks_count"`
	LatestBlockHash string `json:"latest_block_hash"`
	StreamLength    uint64 `json:"stream_length"`
	RetainedBegin   uint64 `json:"retained_begin"`
}

// Sync
type fetchRequest struct {
	Cursor      string `json:"cursor"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

type fetchResponse struct {
	Cursor string `json:"cursor"`
	Data   string `json:"data"`
}

type pushAuthRequest struct {
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

type pushAuthResponse struct {
	Token string `json:"token"`
}

type pushRequest struct {
	Token  string `json:"token"`
	Cursor string `json:"cursor"`
	Data   string `json:"data"`
}

type pushResponse struct {
	Cursor string `json:"cursor"`
}

// Token
type accountParams struct {
	Owner      string `json:"owner"`
	Subaccount string `json:"subaccount,omitempty"`
}

type transferParams struct {
	From          accountParams `json:"from"`
	To            accountParams `json:"to"`
	Amount        string        `json:"amount"`
	Fee           string        `json:"fee"`
	Memo          string        `json:"memo,omitempty"`
	CreatedAtTime uint64        `json:"created_at_time_ns,omitempty"`
	Signature     string        `json:"signature"`
}

type transferResponse struct {
	BlockIndex uint64 `json:"block_index"`
	TxID       string `json:"tx_id"`
}

type approveParams struct {
	Approver          accountParams `json:"approver"`
	Spender           accountParams `json:"spender"`
	Allowance         string        `json:"allowance"`
	ExpectedAllowance *string       `json:"expected_allowance,omitempty"`
	ExpiresAtNs       uint64        `json:"expires_at_ns,omitempty"`
	Fee               string        `json:"fee"`
	Memo              string        `json:"memo,omitempty"`
	CreatedAtTime     uint64        `json:"created_at_time_ns,omitempty"`
	Signature         string        `json:"signature"`
}

type transferFromParams struct {
	Spender  accountParams  `json:"spender"`
	Transfer transferParams `json:"transfer"`
}

type balanceRequest struct {
	Account accountParams `json:"account"`
}

type balanceResponse struct {
	Balance  string `json:"balance"`
	Decimals uint32 `json:"decimals"`
}

type allowanceRequest struct {
	Approver accountParams `json:"approver"`
	Spender  accountParams `json:"spender"`
}

type allowanceResponse struct {
	Allowance   string `json:"allowance"`
	ExpiresAtNs uint64 `json:"expires_at_ns"`
}

type tokenMetadataResponse struct {
	Name              string `json:"name"`
	Symbol            string `json:"symbol"`
	Decimals          uint32 `json:"decimals"`
	TransferFee       string `json:"transfer_fee"`
	TotalSupply       string `json:"total_supply"`
	ChainLength       uint64 `json:"chain_length"`
	NextWritePosition uint64 `json:"next_write_position"`
}

// Registry
type registerRequest struct {
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

type registerResponse struct {
	Ok bool `json:"ok"`
}

type documentRequest struct {
	Pubkey    string `json:"pubkey"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Rewards
type checkInRequest struct {
	Pubkey    string `json:"pubkey"`
	Memo      string `json:"memo,omitempty"`
	Signature string `json:"signature"`
}

type checkInResponse struct {
	Ok      bool   `json:"ok"`
	FeePaid string `json:"fee_paid"`
	TipHash string `json:"tip_hash"`
}

type rewardsInfoResponse struct {
	CurrentReward string `json:"current_reward"`
	CheckInFee    string `json:"check_in_fee"`
	Distributions uint64 `json:"distributions"`
}

type reputationRequest struct {
	Pubkey string `json:"pubkey"`
}

type reputationResponse struct {
	Pubkey string `json:"pubkey"`
	Score  string `json:"score"`
}

// Contracts
type signRequestParams struct {
	RequesterPubkey string `json:"requester_pubkey"`
	ProviderPubkey  string `json:"provider_pubkey"`
	OfferingID      string `json:"offering_id"`
	Payment         string `json:"payment"`
	Memo            string `json:"memo,omitempty"`
	TimestampNs     uint64 `json:"timestamp_ns"`
	Signature       string `json:"signature"`
}

type signRequestResponse struct {
	ContractID string `json:"contract_id"`
}

type signReplyParams struct {
	ContractID  string `json:"contract_id"`
	Accepted    bool   `json:"accepted"`
	Memo        string `json:"memo,omitempty"`
	TimestampNs uint64 `json:"timestamp_ns"`
	Signature   string `json:"signature"`
}

type signReplyResponse struct {
	Ok bool `json:"ok"`
}

type listPendingRequest struct {
	ProviderPubkey string `json:"provider_pubkey,omitempty"`
}

type pendingContractData struct {
	ContractID      string `json:"contract_id"`
	RequesterPubkey string `json:"requester_pubkey"`
	ProviderPubkey  string `json:"provider_pubkey"`
	OfferingID      string `json:"offering_id"`
	Payment         string `json:"payment"`
	Memo            string `json:"memo,omitempty"`
}

type listPendingResponse struct {
	TotalCount uint64                `json:"total_count"`
	Contracts  []pendingContractData `json:"contracts"`
}

type healthResponse struct {
	Status      string `json:"status"`
	BlocksCount uint64 `json:"blocks_count"`
}

// --- Server ---

type Server struct {
	addr       string
	chain      *ledger.Ledger
	tok        *token.Ledger
	syncer     *datasync.Syncer
	reg        *registry.Registry
	rep        *reputation.Tracker
	eng        *rewards.Engine
	book       *contracts.Book
	corsConfig CORSConfig
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

func NewServer(addr string, chain *ledger.Ledger, tok *token.Ledger, syncer *datasync.Syncer, reg *registry.Registry, rep *reputation.Tracker, eng *rewards.Engine, book *contracts.Book) *Server {
	return &Server{
		addr:   addr,
		chain:  chain,
		tok:    tok,
		syncer: syncer,
		reg:    reg,
		rep:    rep,
		eng:    eng,
		book:   book,
	}
}

func (s *Server) Start() {
	methods := s.buildMethodMap()
	jh := jhttp.NewBridge(methods, &jhttp.BridgeOptions{Server: &jrpc2.ServerOptions{}})

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.setCORSHeaders(w, r)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		logx.Debug("RPC", "request from", extractClientIPFromRequest(r))
		jh.ServeHTTP(w, r)
	})

	http.Handle("/", h)
	go http.ListenAndServe(s.addr, nil)
	logx.Info("RPC", "JSON-RPC server listening on", s.addr)
}

// SetCORSConfig allows configuring CORS settings
func (s *Server) SetCORSConfig(config CORSConfig) {
	s.corsConfig = config
}

// Build jrpc2 method map
func (s *Server) buildMethodMap() handler.Map {
	return handler.Map{
		MethodLedgerEntries: handler.New(func(ctx context.Context, p entriesRequest) (*entriesResponse, error) {
			res, err := s.rpcLedgerEntries(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodLedgerGet: handler.New(func(ctx context.Context, p getEntryRequest) (*getEntryResponse, error) {
			res, err := s.rpcLedgerGet(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodLedgerBlocks: handler.New(func(ctx context.Context, p getBlocksRequest) (*getBlocksResponse, error) {
			res, err := s.rpcLedgerBlocks(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodLedgerCommit: handler.New(func(ctx context.Context) (*commitResponse, error) {
			res, err := s.rpcLedgerCommit()
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodLedgerCertify: handler.New(func(ctx context.Context) (*certifyResponse, error) {
			return s.rpcLedgerCertify(), nil
		}),
		MethodLedgerMetadata: handler.New(func(ctx context.Context) (*ledgerMetadataResponse, error) {
			return s.rpcLedgerMetadata(), nil
		}),
		MethodSyncFetch: handler.New(func(ctx context.Context, p fetchRequest) (*fetchResponse, error) {
			res, err := s.rpcSyncFetch(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodSyncPushAuth: handler.New(func(ctx context.Context, p pushAuthRequest) (*pushAuthResponse, error) {
			res, err := s.rpcSyncPushAuth(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodSyncPush: handler.New(func(ctx context.Context, p pushRequest) (*pushResponse, error) {
			res, err := s.rpcSyncPush(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodTokenTransfer: handler.New(func(ctx context.Context, p transferParams) (*transferResponse, error) {
			res, err := s.rpcTokenTransfer(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodTokenApprove: handler.New(func(ctx context.Context, p approveParams) (*transferResponse, error) {
			res, err := s.rpcTokenApprove(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodTokenTransferFrom: handler.New(func(ctx context.Context, p transferFromParams) (*transferResponse, error) {
			res, err := s.rpcTokenTransferFrom(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodTokenBalance: handler.New(func(ctx context.Context, p balanceRequest) (*balanceResponse, error) {
			res, err := s.rpcTokenBalance(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodTokenAllowance: handler.New(func(ctx context.Context, p allowanceRequest) (*allowanceResponse, error) {
			res, err := s.rpcTokenAllowance(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodTokenMetadata: handler.New(func(ctx context.Context) (*tokenMetadataResponse, error) {
			return s.rpcTokenMetadata(), nil
		}),
		MethodProviderRegister: handler.New(func(ctx context.Context, p registerRequest) (*registerResponse, error) {
			res, err := s.rpcRegister(registry.KindProvider, p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodUserRegister: handler.New(func(ctx context.Context, p registerRequest) (*registerResponse, error) {
			res, err := s.rpcRegister(registry.KindUser, p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodProviderProfile: handler.New(func(ctx context.Context, p documentRequest) (*registerResponse, error) {
			res, err := s.rpcUpdateDocument(p, s.reg.UpdateProfile)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodProviderOffering: handler.New(func(ctx context.Context, p documentRequest) (*registerResponse, error) {
			res, err := s.rpcUpdateDocument(p, s.reg.UpdateOffering)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodProviderCheckIn: handler.New(func(ctx context.Context, p checkInRequest) (*checkInResponse, error) {
			res, err := s.rpcCheckIn(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodRewardsInfo: handler.New(func(ctx context.Context) (*rewardsInfoResponse, error) {
			return s.rpcRewardsInfo(), nil
		}),
		MethodReputationGet: handler.New(func(ctx context.Context, p reputationRequest) (*reputationResponse, error) {
			res, err := s.rpcReputationGet(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodContractSignRequest: handler.New(func(ctx context.Context, p signRequestParams) (*signRequestResponse, error) {
			res, err := s.rpcContractSignRequest(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodContractSignReply: handler.New(func(ctx context.Context, p signReplyParams) (*signReplyResponse, error) {
			res, err := s.rpcContractSignReply(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodContractListPending: handler.New(func(ctx context.Context, p listPendingRequest) (*listPendingResponse, error) {
			res, err := s.rpcContractListPending(p)
			if err != nil {
				return nil, toJRPC2Error(err)
			}
			return res, nil
		}),
		MethodHealthCheck: handler.New(func(ctx context.Context) (*healthResponse, error) {
			return &healthResponse{Status: "ok", BlocksCount: s.chain.BlocksCount()}, nil
		}),
	}
}

// --- Ledger handlers ---

func entryToData(e types.Entry) entryData {
	op := "upsert"
	if e.Operation == types.OpDelete {
		op = "delete"
	}
	return entryData{
		Label:     e.Label,
		Key:       base64.StdEncoding.EncodeToString(e.Key),
		Value:     base64.StdEncoding.EncodeToString(e.Value),
		Operation: op,
	}
}

func (s *Server) rpcLedgerEntries(p entriesRequest) (*entriesResponse, *rpcError) {
	res, err := s.chain.Query(p.Label, p.Offset, p.Limit, p.IncludeNextBlock)
	if err != nil {
		return nil, fromDomainError(err)
	}
	out := &entriesResponse{
		Entries:    make([]entryData, len(res.Entries)),
		HasMore:    res.HasMore,
		TotalCount: res.TotalCount,
	}
	for i, e := range res.Entries {
		out.Entries[i] = entryToData(e)
	}
	return out, nil
}

func (s *Server) rpcLedgerGet(p getEntryRequest) (*getEntryResponse, *rpcError) {
	key, err := base64.StdEncoding.DecodeString(p.Key)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "key must be base64"}
	}
	value, found, derr := s.chain.Get(p.Label, key)
	if derr != nil {
		return nil, fromDomainError(derr)
	}
	if !found {
		return &getEntryResponse{Found: false}, nil
	}
	return &getEntryResponse{Found: true, Value: base64.StdEncoding.EncodeToString(value)}, nil
}

func (s *Server) rpcLedgerBlocks(p getBlocksRequest) (*getBlocksResponse, *rpcError) {
	res, err := s.chain.GetBlocks(p.Start, p.Length)
	if err != nil {
		return nil, fromDomainError(err)
	}
	out := &getBlocksResponse{LogLength: res.LogLength}
	for _, b := range res.Blocks {
		bd := blockData{
			Offset:      b.Offset,
			ParentHash:  hex.EncodeToString(b.ParentHash[:]),
			BlockHash:   hex.EncodeToString(b.BlockHash[:]),
			TimestampNs: b.TimestampNs,
			Entries:     make([]entryData, len(b.Entries)),
		}
		for i, e := range b.Entries {
			bd.Entries[i] = entryToData(e)
		}
		out.Blocks = append(out.Blocks, bd)
	}
	for _, d := range res.Delegated {
		out.Delegated = append(out.Delegated, delegatedRangeData{
			Start:    d.Range.Start,
			Length:   d.Range.Length,
			Callback: d.Callback,
		})
	}
	return out, nil
}

func (s *Server) rpcLedgerCommit() (*commitResponse, *rpcError) {
	ref, err := s.chain.Commit()
	if err != nil {
		return nil, fromDomainError(err)
	}
	monitoring.SetBlockHeight(s.chain.BlocksCount())
	return &commitResponse{Offset: ref.Offset, BlockHash: hex.EncodeToString(ref.BlockHash[:])}, nil
}

func (s *Server) rpcLedgerCertify() *certifyResponse {
	proof := s.chain.Certify()
	out := &certifyResponse{
		Root:      hex.EncodeToString(proof.Root[:]),
		LogLength: proof.LogLength,
		TipHash:   hex.EncodeToString(proof.TipHash[:]),
	}
	for _, step := range proof.Path {
		out.Path = append(out.Path, proofStepData{Hash: hex.EncodeToString(step.Hash[:]), Left: step.Left})
	}
	return out
}

func (s *Server) rpcLedgerMetadata() *ledgerMetadataResponse {
	tip := s.chain.LatestBlockHash()
	return &ledgerMetadataResponse{
		BlocksCount:     s.chain.BlocksCount(),
		LatestBlockHash: hex.EncodeToString(tip[:]),
		StreamLength:    s.chain.StreamLength(),
		RetainedBegin:   s.chain.RetainedStreamBegin(),
	}
}

// --- Sync handlers ---

func (s *Server) rpcSyncFetch(p fetchRequest) (*fetchResponse, *rpcError) {
	var fingerprint []byte
	if p.Fingerprint != "" {
		var err error
		fingerprint, err = hex.DecodeString(p.Fingerprint)
		if err != nil {
			return nil, &rpcError{Code: -32602, Message: "fingerprint must be hex"}
		}
	}
	res, err := s.syncer.Fetch(p.Cursor, fingerprint)
	if err != nil {
		return nil, fromDomainError(err)
	}
	monitoring.AddFetchServedBytes(len(res.Data))
	return &fetchResponse{Cursor: res.Cursor, Data: base64.StdEncoding.EncodeToString(res.Data)}, nil
}

func (s *Server) rpcSyncPushAuth(p pushAuthRequest) (*pushAuthResponse, *rpcError) {
	id, sig, rerr := decodeIdentitySig(p.Pubkey, p.Signature)
	if rerr != nil {
		return nil, rerr
	}
	if err := id.Verify(id.Bytes(), sig); err != nil {
		return nil, fromDomainError(err)
	}
	token, err := s.syncer.PushAuth(id)
	if err != nil {
		return nil, fromDomainError(err)
	}
	return &pushAuthResponse{Token: token}, nil
}

func (s *Server) rpcSyncPush(p pushRequest) (*pushResponse, *rpcError) {
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "data must be base64"}
	}
	before := s.chain.BlocksCount()
	cursor, derr := s.syncer.Push(p.Token, p.Cursor, data)
	if derr != nil {
		return nil, fromDomainError(derr)
	}
	after := s.chain.BlocksCount()
	monitoring.AddPushedBlocks(int(after - before))
	monitoring.SetBlockHeight(after)
	return &pushResponse{Cursor: cursor}, nil
}

// --- Token handlers ---

func parseAmount(field, s string) (uint64, *rpcError) {
	if s == "" {
		return 0, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return 0, &rpcError{Code: -32602, Message: fmt.Sprintf("%s is not a decimal amount", field)}
	}
	if !v.IsUint64() {
		return 0, &rpcError{Code: -32602, Message: fmt.Sprintf("%s does not fit in 64 bits", field)}
	}
	return v.Uint64(), nil
}

func formatAmount(v uint64) string {
	return new(uint256.Int).SetUint64(v).Dec()
}

func decodeAccount(p accountParams) (token.Account, *rpcError) {
	owner, err := base58.Decode(p.Owner)
	if err != nil {
		return token.Account{}, &rpcError{Code: -32602, Message: "owner must be base58"}
	}
	var sub []byte
	if p.Subaccount != "" {
		sub, err = base64.StdEncoding.DecodeString(p.Subaccount)
		if err != nil {
			return token.Account{}, &rpcError{Code: -32602, Message: "subaccount must be base64"}
		}
	}
	return token.Account{Owner: owner, Subaccount: sub}, nil
}

func decodeIdentitySig(pubkey, signature string) (*identity.Identity, []byte, *rpcError) {
	id, err := identity.FromString(pubkey)
	if err != nil {
		return nil, nil, fromDomainError(err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, nil, &rpcError{Code: -32602, Message: "signature must be base64"}
	}
	return id, sig, nil
}

func (s *Server) decodeTransfer(p transferParams) (*token.FundsTransfer, []byte, *rpcError) {
	from, rerr := decodeAccount(p.From)
	if rerr != nil {
		return nil, nil, rerr
	}
	to, rerr := decodeAccount(p.To)
	if rerr != nil {
		return nil, nil, rerr
	}
	if from.IsMinting() {
		return nil, nil, &rpcError{Code: -32001, Message: "minting transfers are not accepted over RPC", Data: string(lederr.CodeUnauthorized)}
	}
	amount, rerr := parseAmount("amount", p.Amount)
	if rerr != nil {
		return nil, nil, rerr
	}
	fee, rerr := parseAmount("fee", p.Fee)
	if rerr != nil {
		return nil, nil, rerr
	}
	var memo []byte
	if p.Memo != "" {
		var err error
		memo, err = base64.StdEncoding.DecodeString(p.Memo)
		if err != nil {
			return nil, nil, &rpcError{Code: -32602, Message: "memo must be base64"}
		}
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return nil, nil, &rpcError{Code: -32602, Message: "signature must be base64"}
	}
	transfer := &token.FundsTransfer{
		From:            from,
		To:              to,
		FeeE9s:          fee,
		Memo:            memo,
		CreatedAtTimeNs: p.CreatedAtTime,
		AmountE9s:       amount,
	}
	return transfer, sig, nil
}

func (s *Server) verifyOwner(owner []byte, payload, sig []byte) *rpcError {
	id, err := identity.FromBytes(owner)
	if err != nil {
		return fromDomainError(err)
	}
	if err := id.Verify(payload, sig); err != nil {
		monitoring.RecordRejectedEntry(monitoring.EntryInvalidSignature)
		return fromDomainError(err)
	}
	return nil
}

func (s *Server) rpcTokenTransfer(p transferParams) (*transferResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	transfer, sig, rerr := s.decodeTransfer(p)
	if rerr != nil {
		return nil, rerr
	}
	payload, err := transfer.Bytes()
	if err != nil {
		return nil, fromDomainError(err)
	}
	if rerr := s.verifyOwner(transfer.From.Owner, payload, sig); rerr != nil {
		return nil, rerr
	}
	idx, err := s.tok.Transfer(transfer)
	if err != nil {
		return nil, fromDomainError(err)
	}
	txid, err := transfer.TxID()
	if err != nil {
		return nil, fromDomainError(err)
	}
	return &transferResponse{BlockIndex: idx, TxID: hex.EncodeToString(txid[:])}, nil
}

func (s *Server) rpcTokenApprove(p approveParams) (*transferResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	approver, rerr := decodeAccount(p.Approver)
	if rerr != nil {
		return nil, rerr
	}
	spender, rerr := decodeAccount(p.Spender)
	if rerr != nil {
		return nil, rerr
	}
	allowance, rerr := parseAmount("allowance", p.Allowance)
	if rerr != nil {
		return nil, rerr
	}
	fee, rerr := parseAmount("fee", p.Fee)
	if rerr != nil {
		return nil, rerr
	}
	var expected *uint64
	if p.ExpectedAllowance != nil {
		v, rerr := parseAmount("expected_allowance", *p.ExpectedAllowance)
		if rerr != nil {
			return nil, rerr
		}
		expected = &v
	}
	var memo []byte
	if p.Memo != "" {
		var err error
		memo, err = base64.StdEncoding.DecodeString(p.Memo)
		if err != nil {
			return nil, &rpcError{Code: -32602, Message: "memo must be base64"}
		}
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "signature must be base64"}
	}
	approval := &token.FundsTransferApproval{
		Approver:        approver,
		Spender:         spender,
		AllowanceE9s:    allowance,
		ExpiresAtNs:     p.ExpiresAtNs,
		FeeE9s:          fee,
		Memo:            memo,
		CreatedAtTimeNs: p.CreatedAtTime,
	}
	payload, derr := approval.Bytes()
	if derr != nil {
		return nil, fromDomainError(derr)
	}
	if rerr := s.verifyOwner(approver.Owner, payload, sig); rerr != nil {
		return nil, rerr
	}
	idx, derr := s.tok.Approve(approval, expected)
	if derr != nil {
		return nil, fromDomainError(derr)
	}
	txid, derr := approval.TxID()
	if derr != nil {
		return nil, fromDomainError(derr)
	}
	return &transferResponse{BlockIndex: idx, TxID: hex.EncodeToString(txid[:])}, nil
}

func (s *Server) rpcTokenTransferFrom(p transferFromParams) (*transferResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	spender, rerr := decodeAccount(p.Spender)
	if rerr != nil {
		return nil, rerr
	}
	transfer, sig, rerr := s.decodeTransfer(p.Transfer)
	if rerr != nil {
		return nil, rerr
	}
	payload, err := transfer.Bytes()
	if err != nil {
		return nil, fromDomainError(err)
	}
	// The spender authorizes this draw, not the owner of the funds.
	if rerr := s.verifyOwner(spender.Owner, payload, sig); rerr != nil {
		return nil, rerr
	}
	idx, err := s.tok.TransferFrom(spender, transfer)
	if err != nil {
		return nil, fromDomainError(err)
	}
	txid, err := transfer.TxID()
	if err != nil {
		return nil, fromDomainError(err)
	}
	return &transferResponse{BlockIndex: idx, TxID: hex.EncodeToString(txid[:])}, nil
}

func (s *Server) rpcTokenBalance(p balanceRequest) (*balanceResponse, *rpcError) {
	acct, rerr := decodeAccount(p.Account)
	if rerr != nil {
		return nil, rerr
	}
	return &balanceResponse{
		Balance:  formatAmount(s.tok.BalanceOf(acct)),
		Decimals: config.TokenDecimals,
	}, nil
}

func (s *Server) rpcTokenAllowance(p allowanceRequest) (*allowanceResponse, *rpcError) {
	approver, rerr := decodeAccount(p.Approver)
	if rerr != nil {
		return nil, rerr
	}
	spender, rerr := decodeAccount(p.Spender)
	if rerr != nil {
		return nil, rerr
	}
	allowance := s.tok.AllowanceOf(approver, spender)
	return &allowanceResponse{
		Allowance:   formatAmount(allowance.AmountE9s),
		ExpiresAtNs: allowance.ExpiresAtNs,
	}, nil
}

func (s *Server) rpcTokenMetadata() *tokenMetadataResponse {
	meta := s.tok.Metadata()
	return &tokenMetadataResponse{
		Name:              meta.Name,
		Symbol:            meta.Symbol,
		Decimals:          uint32(meta.Decimals),
		TransferFee:       formatAmount(meta.TransferFeeE9s),
		TotalSupply:       formatAmount(meta.TotalSupplyE9s),
		ChainLength:       meta.ChainLength,
		NextWritePosition: meta.NextWritePosition,
	}
}

// --- Registry handlers ---

func (s *Server) rpcRegister(kind registry.Kind, p registerRequest) (*registerResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	id, sig, rerr := decodeIdentitySig(p.Pubkey, p.Signature)
	if rerr != nil {
		return nil, rerr
	}
	if err := s.reg.Register(kind, id, sig); err != nil {
		return nil, fromDomainError(err)
	}
	return &registerResponse{Ok: true}, nil
}

func (s *Server) rpcUpdateDocument(p documentRequest, update func(*identity.Identity, []byte, []byte) error) (*registerResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	id, sig, rerr := decodeIdentitySig(p.Pubkey, p.Signature)
	if rerr != nil {
		return nil, rerr
	}
	payload, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "payload must be base64"}
	}
	if err := update(id, payload, sig); err != nil {
		return nil, fromDomainError(err)
	}
	return &registerResponse{Ok: true}, nil
}

// --- Reward handlers ---

func (s *Server) rpcCheckIn(p checkInRequest) (*checkInResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	id, sig, rerr := decodeIdentitySig(p.Pubkey, p.Signature)
	if rerr != nil {
		return nil, rerr
	}
	fee := s.eng.CheckInFeeE9s()
	if err := s.eng.SubmitCheckIn(id, p.Memo, sig); err != nil {
		return nil, fromDomainError(err)
	}
	monitoring.IncreaseCheckInCount()
	tip := s.chain.LatestBlockHash()
	return &checkInResponse{Ok: true, FeePaid: formatAmount(fee), TipHash: hex.EncodeToString(tip[:])}, nil
}

func (s *Server) rpcRewardsInfo() *rewardsInfoResponse {
	return &rewardsInfoResponse{
		CurrentReward: formatAmount(s.eng.CurrentRewardE9s()),
		CheckInFee:    formatAmount(s.eng.CheckInFeeE9s()),
		Distributions: s.eng.Distributions(),
	}
}

func (s *Server) rpcReputationGet(p reputationRequest) (*reputationResponse, *rpcError) {
	id, err := identity.FromString(p.Pubkey)
	if err != nil {
		return nil, fromDomainError(err)
	}
	return &reputationResponse{
		Pubkey: p.Pubkey,
		Score:  formatAmount(s.rep.ScoreOf(id)),
	}, nil
}

// --- Contract handlers ---

func (s *Server) rpcContractSignRequest(p signRequestParams) (*signRequestResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	requester, err := base58.Decode(p.RequesterPubkey)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "requester_pubkey must be base58"}
	}
	provider, err := base58.Decode(p.ProviderPubkey)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "provider_pubkey must be base58"}
	}
	payment, rerr := parseAmount("payment", p.Payment)
	if rerr != nil {
		return nil, rerr
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "signature must be base64"}
	}
	req := contracts.SignRequest{
		RequesterPubkey: requester,
		ProviderPubkey:  provider,
		OfferingID:      p.OfferingID,
		PaymentE9s:      payment,
		Memo:            p.Memo,
		TimestampNs:     p.TimestampNs,
	}
	id, derr := s.book.SubmitRequest(req, sig)
	if derr != nil {
		return nil, fromDomainError(derr)
	}
	monitoring.SetOpenContracts(len(s.book.ListPending(nil)))
	return &signRequestResponse{ContractID: hex.EncodeToString(id[:])}, nil
}

func (s *Server) rpcContractSignReply(p signReplyParams) (*signReplyResponse, *rpcError) {
	monitoring.IncreaseIngressEntryCount()
	contractID, err := hex.DecodeString(p.ContractID)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "contract_id must be hex"}
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return nil, &rpcError{Code: -32602, Message: "signature must be base64"}
	}
	reply := contracts.SignReply{
		ContractID:  contractID,
		Accepted:    p.Accepted,
		Memo:        p.Memo,
		TimestampNs: p.TimestampNs,
	}
	if err := s.book.SubmitReply(reply, sig); err != nil {
		return nil, fromDomainError(err)
	}
	monitoring.SetOpenContracts(len(s.book.ListPending(nil)))
	return &signReplyResponse{Ok: true}, nil
}

func (s *Server) rpcContractListPending(p listPendingRequest) (*listPendingResponse, *rpcError) {
	var provider []byte
	if p.ProviderPubkey != "" {
		var err error
		provider, err = base58.Decode(p.ProviderPubkey)
		if err != nil {
			return nil, &rpcError{Code: -32602, Message: "provider_pubkey must be base58"}
		}
	}
	pending := s.book.ListPending(provider)
	out := &listPendingResponse{TotalCount: uint64(len(pending))}
	for _, c := range pending {
		out.Contracts = append(out.Contracts, pendingContractData{
			ContractID:      c.ContractID,
			RequesterPubkey: base58.Encode(c.Request.RequesterPubkey),
			ProviderPubkey:  base58.Encode(c.Request.ProviderPubkey),
			OfferingID:      c.Request.OfferingID,
			Payment:         formatAmount(c.Request.PaymentE9s),
			Memo:            c.Request.Memo,
		})
	}
	return out, nil
}

// --- Helpers ---

func (s *Server) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(s.corsConfig.AllowedOrigins) > 0 {
		if s.corsConfig.AllowedOrigins[0] == "*" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			origin := r.Header.Get("Origin")
			for _, allowedOrigin := range s.corsConfig.AllowedOrigins {
				if origin == allowedOrigin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
	}
	if len(s.corsConfig.AllowedMethods) > 0 {
		w.Header().Set("Access-Control-Allow-Methods", strings.Join(s.corsConfig.AllowedMethods, ", "))
	}
	if len(s.corsConfig.AllowedHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(s.corsConfig.AllowedHeaders, ", "))
	}
	if s.corsConfig.MaxAge > 0 {
		w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", s.corsConfig.MaxAge))
	}
}
