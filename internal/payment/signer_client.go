package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xerrors "MNEE-Hub/internal/errors"
	"MNEE-Hub/internal/signer"
)

// Signer 抽象签名服务：本地进程内实现用于单机部署与测试，
// 远程实现通过 HTTP 访问独立的 signerd 进程。
type Signer interface {
	Quote(ctx context.Context, serviceID string, quantity int) (signer.Quote, error)
	Pay(ctx context.Context, req signer.PayRequest) (signer.Receipt, error)
	Balance(ctx context.Context) (float64, error)
}

// LocalSigner 在同一进程内直接调用签名服务，仅用于单机模式。
type LocalSigner struct {
	service *signer.Service
}

// NewLocalSigner 包装进程内签名服务。
func NewLocalSigner(service *signer.Service) *LocalSigner {
	return &LocalSigner{service: service}
}

func (l *LocalSigner) Quote(_ context.Context, serviceID string, quantity int) (signer.Quote, error) {
	return l.service.QuoteService(serviceID, quantity)
}

func (l *LocalSigner) Pay(_ context.Context, req signer.PayRequest) (signer.Receipt, error) {
	return l.service.Pay(req)
}

func (l *LocalSigner) Balance(_ context.Context) (float64, error) {
	return l.service.Balance(), nil
}

// RemoteSigner 通过 HTTP 调用隔离部署的签名进程。
type RemoteSigner struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRemoteSigner 构造远程签名客户端。
func NewRemoteSigner(baseURL, token string, timeout time.Duration) *RemoteSigner {
	return &RemoteSigner{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *RemoteSigner) Quote(ctx context.Context, serviceID string, quantity int) (signer.Quote, error) {
	var quote signer.Quote
	err := r.post(ctx, "/signer/quote", map[string]any{
		"service_id": serviceID,
		"quantity":   quantity,
	}, &quote)
	return quote, err
}

func (r *RemoteSigner) Pay(ctx context.Context, req signer.PayRequest) (signer.Receipt, error) {
	var receipt signer.Receipt
	err := r.post(ctx, "/signer/pay", req, &receipt)
	return receipt, err
}

func (r *RemoteSigner) Balance(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/signer/balance", nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodePaymentFailure, err, "构造余额请求失败")
	}
	r.setHeaders(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodePaymentFailure, err, "签名服务不可达")
	}
	defer resp.Body.Close()
	var body struct {
		Balance float64 `json:"balance"`
	}
	if err := decodeResponse(resp, &body); err != nil {
		return 0, err
	}
	return body.Balance, nil
}

func (r *RemoteSigner) post(ctx context.Context, path string, payload, out any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentFailure, err, "序列化签名请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentFailure, err, "构造签名请求失败")
	}
	r.setHeaders(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePaymentFailure, err, "签名服务不可达")
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (r *RemoteSigner) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("X-Signer-Token", r.token)
	}
}

// decodeResponse 把签名服务的错误响应还原为带错误码的错误。
func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		var remote struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil || remote.Code == "" {
			return xerrors.New(xerrors.CodePaymentFailure, fmt.Sprintf("签名服务返回状态码 %d", resp.StatusCode))
		}
		return xerrors.New(xerrors.Code(remote.Code), remote.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodePaymentFailure, err, "解析签名服务响应失败")
	}
	return nil
}
