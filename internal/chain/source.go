package chain

import (
	"context"
	stderrors "errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/circuit"
	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/log"
	"github.com/bardlex/powreward/pkg/retry"
)

// Config configures a ContractSource
type Config struct {
	Address  common.Address
	Layout   Layout
	Lookback time.Duration // zero returns the full history
	// MaxSubmissions bounds how many indexes the legacy layout enumerates. Zero disables the bound.
	MaxSubmissions int
	// Concurrency bounds parallel powSubmissions calls for one participant
	Concurrency int
	CallTimeout time.Duration
}

// ContractSource implements reward.SubmissionSource on top of a contract caller
type ContractSource struct {
	caller  ethereum.ContractCaller
	abi     abi.ABI
	config  Config
	breaker *circuit.Breaker
	retry   *retry.Config
	logger  *log.Logger
}

var _ reward.SubmissionSource = (*ContractSource)(nil)

// Dial connects to a JSON-RPC endpoint
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeChain, "dial", "failed to connect to RPC endpoint").
			WithContext("rpc_url", rpcURL)
	}
	return client, nil
}

// NewContractSource creates a submission source reading through caller
func NewContractSource(caller ethereum.ContractCaller, config Config, logger *log.Logger) (*ContractSource, error) {
	if caller == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "new_contract_source", "contract caller is required")
	}
	if config.Address == (common.Address{}) {
		return nil, errors.New(errors.ErrorTypeValidation, "new_contract_source", "contract address is required")
	}
	switch config.Layout {
	case LayoutLegacy, LayoutBulk:
	case "":
		config.Layout = LayoutLegacy
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "new_contract_source", "unknown contract layout").
			WithContext("layout", string(config.Layout))
	}
	if config.Lookback < 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "new_contract_source", "lookback must not be negative")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = log.Nop()
	}

	parsed, err := parseABI()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "new_contract_source", "failed to parse contract ABI")
	}

	breakerConfig := circuit.DefaultConfig()
	breakerConfig.Name = "pow_contract"

	return &ContractSource{
		caller:  caller,
		abi:     parsed,
		config:  config,
		breaker: circuit.New(breakerConfig),
		retry:   retry.ChainConfig(),
		logger:  logger.WithComponent("contract_source"),
	}, nil
}

// FetchSubmissions returns the participant's submissions that started inside the lookback period ending at periodEnd
func (s *ContractSource) FetchSubmissions(ctx context.Context, participantID string, periodEnd time.Time) ([]reward.Submission, error) {
	if !common.IsHexAddress(participantID) {
		return nil, errors.New(errors.ErrorTypeDataIntegrity, "fetch_submissions", "participant is not a hex address").
			WithContext("participant_id", participantID)
	}
	miner := common.HexToAddress(participantID)

	start := time.Now()

	var (
		raw []powSubmission
		err error
	)
	switch s.config.Layout {
	case LayoutBulk:
		raw, err = s.fetchBulk(ctx, miner)
	default:
		raw, err = s.fetchLegacy(ctx, miner)
	}
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeDataIntegrity) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeFetch, "fetch_submissions", "failed to read submissions from contract").
			WithContext("participant_id", participantID).
			WithContext("layout", string(s.config.Layout))
	}

	submissions := make([]reward.Submission, 0, len(raw))
	for i := range raw {
		sub, err := toSubmission(&raw[i], participantID, i)
		if err != nil {
			return nil, err
		}
		if s.inPeriod(sub.StartTime, periodEnd) {
			submissions = append(submissions, sub)
		}
	}

	s.logger.Debug("submissions fetched",
		"participant_id", participantID,
		"on_chain", len(raw),
		"in_period", len(submissions),
		"duration_ms", time.Since(start).Milliseconds())

	return submissions, nil
}

// inPeriod reports whether startTime falls in (periodEnd - lookback, periodEnd]
func (s *ContractSource) inPeriod(startTime int64, periodEnd time.Time) bool {
	if s.config.Lookback == 0 {
		return true
	}
	end := periodEnd.Unix()
	begin := periodEnd.Add(-s.config.Lookback).Unix()
	return startTime > begin && startTime <= end
}

func (s *ContractSource) fetchLegacy(ctx context.Context, miner common.Address) ([]powSubmission, error) {
	countOut, err := s.call(ctx, methodSubmissionCount, miner)
	if err != nil {
		return nil, err
	}
	count, ok := countOut[0].(*big.Int)
	if !ok || !count.IsInt64() || count.Sign() < 0 {
		return nil, errors.New(errors.ErrorTypeDataIntegrity, "fetch_submissions", "submission count out of range").
			WithContext("miner", miner.Hex())
	}
	n := count.Int64()
	if limit := s.config.MaxSubmissions; limit > 0 && n > int64(limit) {
		return nil, errors.New(errors.ErrorTypeDataIntegrity, "fetch_submissions", "submission count exceeds limit").
			WithContext("miner", miner.Hex()).
			WithContext("count", n).
			WithContext("limit", limit)
	}

	raw := make([]powSubmission, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for i := int64(0); i < n; i++ {
		i := i
		g.Go(func() error {
			out, err := s.call(gctx, methodSubmissionAt, miner, big.NewInt(i))
			if err != nil {
				return err
			}
			sub, err := unpackSubmission(out)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeDataIntegrity, "fetch_submissions", "unexpected powSubmissions output").
					WithContext("miner", miner.Hex()).
					WithContext("index", i)
			}
			raw[i] = sub
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return raw, nil
}

func (s *ContractSource) fetchBulk(ctx context.Context, miner common.Address) ([]powSubmission, error) {
	out, err := s.call(ctx, methodAllSubmissions, miner)
	if err != nil {
		return nil, err
	}
	return convertSubmissions(out)
}

// call packs, executes and unpacks one view call behind the circuit breaker and retry policy
func (s *ContractSource) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := s.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "pack_call", "failed to pack contract call").
			WithContext("method", method)
	}

	msg := ethereum.CallMsg{To: &s.config.Address, Data: input}

	output, err := circuit.ExecuteWithResult(ctx, s.breaker, func() ([]byte, error) {
		return retry.DoWithResult(ctx, s.retry, func() ([]byte, error) {
			callCtx := ctx
			if s.config.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, s.config.CallTimeout)
				defer cancel()
			}
			out, err := s.caller.CallContract(callCtx, msg, nil)
			if err != nil {
				return nil, classifyCallError(err, method)
			}
			return out, nil
		})
	})
	if err != nil {
		return nil, err
	}

	values, err := s.abi.Unpack(method, output)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDataIntegrity, "unpack_call", "failed to unpack contract output").
			WithContext("method", method)
	}
	if len(values) == 0 {
		return nil, errors.New(errors.ErrorTypeDataIntegrity, "unpack_call", "contract returned no values").
			WithContext("method", method)
	}
	return values, nil
}

// classifyCallError marks reverts and caller cancellation as final, everything else as retryable
func classifyCallError(err error, method string) error {
	se := errors.Wrap(err, errors.ErrorTypeChain, "call_contract", "contract call failed").
		WithContext("method", method)

	switch {
	case stderrors.Is(err, context.Canceled):
		se.Retryable = false
	case strings.Contains(strings.ToLower(err.Error()), "execution reverted"):
		se.Retryable = false
	case stderrors.Is(err, context.DeadlineExceeded):
		se.Type = errors.ErrorTypeTimeout
		se.Retryable = true
	default:
		se.Retryable = true
	}
	return se
}

func unpackSubmission(values []any) (powSubmission, error) {
	var sub powSubmission
	if len(values) != 7 {
		return sub, stderrors.New("expected 7 output values")
	}

	var ok bool
	if sub.WalletAddress, ok = values[0].(common.Address); !ok {
		return sub, stderrors.New("walletAddress is not an address")
	}
	if sub.NodeId, ok = values[1].(string); !ok {
		return sub, stderrors.New("nodeId is not a string")
	}
	if sub.Nonce, ok = values[2].(*big.Int); !ok {
		return sub, stderrors.New("nonce is not a uint256")
	}
	if sub.StartTimestap, ok = values[3].(*big.Int); !ok {
		return sub, stderrors.New("start_timestap is not a uint256")
	}
	if sub.CompleteTimestap, ok = values[4].(*big.Int); !ok {
		return sub, stderrors.New("complete_timestap is not a uint256")
	}
	if sub.Challenge, ok = values[5].([32]byte); !ok {
		return sub, stderrors.New("challenge is not a bytes32")
	}
	if sub.Difficulty, ok = values[6].(*big.Int); !ok {
		return sub, stderrors.New("difficulty is not a uint256")
	}
	return sub, nil
}

func convertSubmissions(values []any) (subs []powSubmission, err error) {
	// abi.ConvertType panics when the decoded tuple does not match the struct
	defer func() {
		if r := recover(); r != nil {
			subs = nil
			err = errors.New(errors.ErrorTypeDataIntegrity, "unpack_call", "unexpected getMinerPowSubmissions output").
				WithContext("panic", r)
		}
	}()

	converted := abi.ConvertType(values[0], new([]powSubmission)).(*[]powSubmission)
	return *converted, nil
}

func toSubmission(raw *powSubmission, participantID string, index int) (reward.Submission, error) {
	integrity := func(field string) error {
		return errors.New(errors.ErrorTypeDataIntegrity, "decode_submission", "uint256 field does not fit int64").
			WithContext("participant_id", participantID).
			WithContext("index", index).
			WithContext("field", field)
	}

	if raw.StartTimestap == nil || !raw.StartTimestap.IsInt64() {
		return reward.Submission{}, integrity("start_timestap")
	}
	if raw.CompleteTimestap == nil || !raw.CompleteTimestap.IsInt64() {
		return reward.Submission{}, integrity("complete_timestap")
	}

	return reward.Submission{
		ParticipantID: participantID,
		NodeID:        raw.NodeId,
		Nonce:         raw.Nonce,
		StartTime:     raw.StartTimestap.Int64(),
		CompleteTime:  raw.CompleteTimestap.Int64(),
		Challenge:     raw.Challenge,
		Difficulty:    raw.Difficulty,
	}, nil
}
