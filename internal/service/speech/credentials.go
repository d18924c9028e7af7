package speech

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/voice-genai/backend/internal/errs"
	speechmodel "github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

// resolveCredentials 返回规范化后的 AppID 与 AccessToken，缺失时返回 BackendUnavailable。
func resolveCredentials(cfg *speechmodel.SpeechConfig) (string, string, error) {
	if cfg == nil {
		return "", "", fmt.Errorf("%w: volcengine speech config is not initialized", errs.ErrBackendUnavailable)
	}

	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}

	if appID == "" || token == "" {
		return "", "", fmt.Errorf("%w: volcengine speech config is missing AppID or AccessToken", errs.ErrBackendUnavailable)
	}

	return appID, token, nil
}
