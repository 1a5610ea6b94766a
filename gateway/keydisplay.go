package gateway

// 密钥展示策略
const (
	KeyDisplayMasked = "masked" // 前 4 + **** + 后 4
	KeyDisplayFull   = "full"
	KeyDisplayHidden = "hidden"
)

// DisplayKey 按策略脱敏上游密钥，用于请求日志与管理接口。
// 长度不超过 8 的密钥一律显示为 "****"。
func DisplayKey(key, mode string) string {
	switch mode {
	case KeyDisplayFull:
		return key
	case KeyDisplayHidden:
		return ""
	default:
		if len(key) <= 8 {
			return "****"
		}
		return key[:4] + "****" + key[len(key)-4:]
	}
}
