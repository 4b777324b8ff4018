package llm

import (
	"github.com/zjrosen/biomcp/internal/config"
)

// aliyunBaseURL is the root of DashScope's OpenAI-compatible mode.
const aliyunBaseURL = "https://dashscope.aliyuncs.com/compatible-mode"

func init() {
	RegisterProvider(config.ProviderAliyun, NewAliyun)
}

// NewAliyun creates a backend for Alibaba Cloud's Qwen models. DashScope
// accepts the Chat Completions wire format, so the OpenAI client is reused
// against its compatible-mode endpoint.
func NewAliyun(cfg config.ProviderConfig, opts ...ProviderOption) (Backend, error) {
	return newOpenAICompatible(config.ProviderAliyun, aliyunBaseURL, cfg, opts)
}
