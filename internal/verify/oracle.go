package verify

import "context"

// OracleLayer 只做一件事：校验产出是否回显了正确的调用哈希，
// 哈希对得上说明产出确实来自这次付费调用。它从不进入自动验证
// 漏斗，只在托管争议仲裁时被调用。
type OracleLayer struct{}

// NewOracleLayer 构造一致性预言机层。
func NewOracleLayer() *OracleLayer {
	return &OracleLayer{}
}

func (o *OracleLayer) Name() string { return "oracle" }

func (o *OracleLayer) Verify(_ context.Context, req Request) (Outcome, error) {
	echoed, _ := req.Output["service_call_hash"].(string)
	if req.ServiceCallHash != "" && echoed == req.ServiceCallHash {
		return Outcome{Layer: o.Name(), Score: 1.0}, nil
	}
	return Outcome{Layer: o.Name(), Score: 0.0, Detail: "产出未回显调用哈希"}, nil
}
