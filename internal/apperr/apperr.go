package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误大类，决定调用方怎么处理
type Kind string

const (
	KindForbidden  Kind = "FORBIDDEN"
	KindNotFound   Kind = "NOT_FOUND"
	KindBadRequest Kind = "BAD_REQUEST"
	// KindConflict 并发修改冲突，请求层可以重试一次
	KindConflict Kind = "CONFLICT"
	KindFail     Kind = "FAIL"
)

// Reason 稳定的原因码，调用方按它分支，不要匹配 Message
type Reason string

const (
	ReasonBatchInactive          Reason = "batch_inactive"
	ReasonWorkerTypeNotAllowed   Reason = "worker_type_not_allowed"
	ReasonMaxWorkersReached      Reason = "max_workers_reached"
	ReasonWorkerNotAllowedStudy  Reason = "worker_not_allowed_study"
	ReasonWorkerAlreadyDidStudy  Reason = "worker_already_did_study"
	ReasonUnknownWorkerType      Reason = "unknown_worker_type"
	ReasonStudyRunDone           Reason = "study_run_done"
	ReasonComponentInactive      Reason = "component_inactive"
	ReasonComponentNotReloadable Reason = "component_not_reloadable"
	ReasonNoAccess               Reason = "no_study_access"
	ReasonStudyLinkInactive      Reason = "study_link_inactive"
	ReasonNotGroupMember         Reason = "not_group_member"

	ReasonStudyNotFound        Reason = "study_not_found"
	ReasonBatchNotFound        Reason = "batch_not_found"
	ReasonComponentNotFound    Reason = "component_not_found"
	ReasonNoActiveComponent    Reason = "no_active_component"
	ReasonStudyRunNotFound     Reason = "study_run_not_found"
	ReasonComponentRunNotFound Reason = "component_run_not_found"
	ReasonWorkerNotFound       Reason = "worker_not_found"
	ReasonGroupNotFound        Reason = "group_not_found"
	ReasonStudyLinkNotFound    Reason = "study_link_not_found"
	ReasonUserNotFound         Reason = "user_not_found"
	ReasonNoOtherGroup         Reason = "no_other_group"

	ReasonMalformedIDs        Reason = "malformed_ids"
	ReasonResultDataTooLarge  Reason = "result_data_too_large"
	ReasonInvalidInput        Reason = "invalid_input"
	ReasonGroupsNotSupported  Reason = "groups_not_supported"
	ReasonGroupSessionVersion Reason = "group_session_version_mismatch"

	ReasonConcurrentUpdate Reason = "concurrent_update"

	ReasonStorage  Reason = "storage_error"
	ReasonInternal Reason = "internal_error"
)

// Error 带大类和原因码的错误
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同 Kind 同 Reason 即视为同一错误；Reason 为空的 target 只比较 Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Reason == "" {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

// StatusCode 对应的 HTTP 状态码
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// 只用于 errors.Is 比较大类
var (
	ErrForbidden  = &Error{Kind: KindForbidden}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrBadRequest = &Error{Kind: KindBadRequest}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrFail       = &Error{Kind: KindFail}
)

func Forbidden(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func NotFound(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Conflict(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Fail 不可恢复的内部错误，err 是底层原因
func Fail(err error, format string, args ...any) *Error {
	return &Error{Kind: KindFail, Reason: ReasonStorage, Message: fmt.Sprintf(format, args...), Err: err}
}

// From 把任意错误转成 *Error，非 *Error 的视为 Fail
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindFail, Reason: ReasonInternal, Message: "内部错误", Err: err}
}

// IsKind err 是否属于 kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ReasonOf 取原因码，非 *Error 返回空
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
