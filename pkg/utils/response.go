package utils

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/zhouzirui/voice-genai/backend/internal/errs"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, map[string]string{"error": message})
}

// RespondFailure 按错误分类返回状态码，只向客户端暴露简短信息。
func RespondFailure(w http.ResponseWriter, area string, err error, fallback string) {
	status := errs.StatusCode(err)
	log.Printf("[%s] request failed (%d): %v", area, status, err)
	RespondError(w, status, errs.PublicMessage(err, fallback))
}

// RespondAudio 以附件形式返回音频数据。
func RespondAudio(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Printf("failed to write audio response: %v", err)
	}
}
