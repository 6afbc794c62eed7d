// Package signer 托管金库私钥并代表金库执行支付。
// 私钥只在本包内可见，编排进程永远拿不到它，只能通过受限接口请求报价与支付。
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/ledger"
	"MNEE-Hub/internal/policy"
	"MNEE-Hub/pkg/logger"
)

// TreasuryAccount 是账本中的金库账户名。
const TreasuryAccount = "treasury"

// maxQuantity 是单笔支付的数量上限，超出部分直接截断。
const maxQuantity = 1000

// Quote 是一次报价结果。
type Quote struct {
	ServiceID string  `json:"service_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	TotalCost float64 `json:"total_cost"`
	Clamped   bool    `json:"clamped,omitempty"`
}

// Receipt 是一次支付的回执，签名可用金库公钥离线验证。
type Receipt struct {
	PaymentID       string  `json:"payment_id"`
	TaskID          string  `json:"task_id,omitempty"`
	TxHash          string  `json:"tx_hash"`
	Amount          float64 `json:"amount"`
	Quantity        int     `json:"quantity"`
	ServiceCallHash string  `json:"service_call_hash"`
	Signature       string  `json:"signature"`
	PayerAddress    string  `json:"payer_address"`
	ProviderAddress string  `json:"provider_address"`
}

// Service 实现报价与支付。每次支付在内部互斥锁下完成报价复核、
// 签名与转账，保证金库余额检查与扣减之间没有竞态窗口。
type Service struct {
	mu       sync.Mutex
	key      *ecdsa.PrivateKey
	address  string
	ledger   *ledger.Ledger
	services map[string]policy.ServicePolicy
}

// NewService 构建签名服务。
func NewService(key *ecdsa.PrivateKey, book *ledger.Ledger, services []policy.ServicePolicy) *Service {
	index := make(map[string]policy.ServicePolicy, len(services))
	for _, service := range services {
		index[service.ServiceID] = service
	}
	return &Service{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		ledger:   book,
		services: index,
	}
}

// LoadKeyFromEnv 从环境变量读取十六进制私钥。
func LoadKeyFromEnv(envName string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(os.Getenv(envName))
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("环境变量 %s 未设置金库私钥", envName))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "金库私钥格式非法")
	}
	return key, nil
}

// Address 返回金库地址。
func (s *Service) Address() string {
	return s.address
}

// Balance 返回金库当前余额。
func (s *Service) Balance() float64 {
	return s.ledger.Balance(TreasuryAccount)
}

// QuoteService 对一次服务调用报价，数量超过上限时截断到上限。
func (s *Service) QuoteService(serviceID string, quantity int) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, xerrors.New(xerrors.CodeInvalidArgument, "报价数量必须为正数")
	}
	service, ok := s.services[serviceID]
	if !ok {
		return Quote{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知服务 %s", serviceID))
	}

	clamped := false
	if quantity > maxQuantity {
		quantity = maxQuantity
		clamped = true
	}
	total := service.UnitPrice * float64(quantity)
	if s.ledger.Balance(TreasuryAccount) < total {
		return Quote{}, xerrors.New(xerrors.CodePaymentFailure,
			fmt.Sprintf("金库余额不足以支付服务 %s 的 %d 个单位", serviceID, quantity))
	}
	return Quote{
		ServiceID: serviceID,
		Quantity:  quantity,
		UnitPrice: service.UnitPrice,
		TotalCost: total,
		Clamped:   clamped,
	}, nil
}

// PayRequest 是一次支付请求，task_id 随回执原样返回用于对账。
type PayRequest struct {
	AgentID         string `json:"agent_id"`
	ServiceID       string `json:"service_id"`
	TaskID          string `json:"task_id"`
	Quantity        int    `json:"quantity"`
	ServiceCallHash string `json:"service_call_hash"`
}

// Pay 执行支付：复核报价、对调用哈希签名、从金库向服务商转账。
func (s *Service) Pay(req PayRequest) (Receipt, error) {
	if req.ServiceCallHash == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "支付请求缺少 service_call_hash")
	}
	if req.AgentID == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "支付请求缺少 agent_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	quote, err := s.QuoteService(req.ServiceID, req.Quantity)
	if err != nil {
		return Receipt{}, err
	}
	service := s.services[req.ServiceID]

	digest := crypto.Keccak256(
		[]byte(fmt.Sprintf("%s|%s|%s|%.8f", req.ServiceCallHash, req.AgentID, req.ServiceID, quote.TotalCost)),
	)
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodePaymentFailure, err, "支付签名失败")
	}

	txHash, err := s.ledger.Transfer(TreasuryAccount, service.ProviderAddress, quote.TotalCost)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodePaymentFailure, err, "金库转账失败")
	}

	receipt := Receipt{
		PaymentID:       "PAY-" + uuid.NewString(),
		TaskID:          req.TaskID,
		TxHash:          txHash,
		Amount:          quote.TotalCost,
		Quantity:        quote.Quantity,
		ServiceCallHash: req.ServiceCallHash,
		Signature:       hexutil.Encode(signature),
		PayerAddress:    s.address,
		ProviderAddress: service.ProviderAddress,
	}
	logger.Audit().Info("支付完成",
		"payment_id", receipt.PaymentID,
		"task_id", req.TaskID,
		"agent_id", req.AgentID,
		"service_id", req.ServiceID,
		"amount", receipt.Amount,
		"tx_hash", receipt.TxHash)
	return receipt, nil
}
