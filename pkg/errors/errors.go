// Package errors 提供應用程式錯誤處理
//
// 所有元件以 AppError 回傳錯誤，呼叫端用 Code 決定處理方式：
//   - HTTP 層：statusFor 將 Code 對應到狀態碼
//   - WebSocket 層：只有 frame dispatch 邊界會把錯誤轉成 error frame
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeUnauthenticated 憑證缺失、無效、過期或已被撤銷
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	// ErrCodeNotFound 資源未找到（房間不存在或已停用）
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeValidation 入站訊框內容無效
	ErrCodeValidation = "VALIDATION_ERROR"
	// ErrCodeHandlingFailure 處理已接受訊框時的非預期錯誤
	ErrCodeHandlingFailure = "HANDLING_FAILURE"
	// ErrCodeRateLimitExceeded 超過限流額度
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	// ErrCodeTokenRotation 刷新令牌輪替失敗
	ErrCodeTokenRotation = "TOKEN_ROTATION_FAILURE"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is
//
// 以錯誤碼比對，讓 errors.Is(err, ErrUnauthenticated) 對所有 UNAUTHENTICATED 錯誤成立。
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 返回帶有詳細資訊的副本
//
// 預定義錯誤是共享的套件變數，所以這裡不修改接收者。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrUnauthenticated 未通過身份驗證
	ErrUnauthenticated = New(ErrCodeUnauthenticated, "authentication required")

	// ErrInvalidToken 令牌無效
	ErrInvalidToken = New(ErrCodeUnauthenticated, "invalid or expired token")

	// ErrRoomNotFound 房間不存在或已停用
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrUserNotFound 用戶不存在
	ErrUserNotFound = New(ErrCodeNotFound, "user not found")

	// ErrEmptyMessage 空白訊息
	ErrEmptyMessage = New(ErrCodeValidation, "message content is empty")

	// ErrMessageTooLong 訊息過長
	ErrMessageTooLong = New(ErrCodeValidation, "message content is too long")

	// ErrMalformedFrame 無法解析的訊框
	ErrMalformedFrame = New(ErrCodeValidation, "malformed frame")

	// ErrRateLimitExceeded 超過限流
	ErrRateLimitExceeded = New(ErrCodeRateLimitExceeded, "rate limit exceeded")

	// ErrTokenRotation 刷新令牌輪替失敗
	ErrTokenRotation = New(ErrCodeTokenRotation, "refresh token rotation failed")

	// ErrRoomAlreadyExists 房間名稱重複
	ErrRoomAlreadyExists = New(ErrCodeAlreadyExists, "room with this name already exists")
)

// codeOf 取出錯誤鏈中第一個 AppError 的錯誤碼
func codeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsUnauthenticated 檢查是否為未驗證錯誤
func IsUnauthenticated(err error) bool {
	return codeOf(err) == ErrCodeUnauthenticated
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return codeOf(err) == ErrCodeNotFound
}

// IsValidation 檢查是否為入站訊框驗證錯誤
func IsValidation(err error) bool {
	return codeOf(err) == ErrCodeValidation
}

// IsTokenRotation 檢查是否為令牌輪替錯誤
func IsTokenRotation(err error) bool {
	return codeOf(err) == ErrCodeTokenRotation
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return codeOf(err) == ErrCodeAlreadyExists
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return codeOf(err) == ErrCodeInvalidInput
}

// IsUnavailable 檢查是否為服務不可用錯誤
func IsUnavailable(err error) bool {
	return codeOf(err) == ErrCodeUnavailable
}

// Code 返回錯誤碼，非 AppError 時返回 INTERNAL_ERROR
func Code(err error) string {
	if c := codeOf(err); c != "" {
		return c
	}
	return ErrCodeInternal
}
