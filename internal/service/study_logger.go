package service

import (
	"study-engine/internal/apperr"
	"study-engine/internal/model"

	"go.uber.org/zap"
)

// StudyLogger 审计日志：每次 run 状态变化、每次授权失败都记一条
type StudyLogger struct {
	log *zap.Logger
}

func NewStudyLogger(log *zap.Logger) *StudyLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &StudyLogger{log: log.Named("study")}
}

// Transition run 状态变化
func (l *StudyLogger) Transition(run *model.StudyRun, from model.RunState, msg string) {
	l.log.Info(msg,
		zap.Uint("study_id", run.StudyID),
		zap.Uint("batch_id", run.BatchID),
		zap.Uint("worker_id", run.WorkerID),
		zap.Uint("study_run_id", run.ID),
		zap.String("from", string(from)),
		zap.String("to", string(run.State)),
		zap.String("outcome", "ok"),
	)
}

// Denied 授权失败
func (l *StudyLogger) Denied(worker *model.Worker, study *model.Study, batch *model.Batch, err error) {
	fields := []zap.Field{
		zap.String("outcome", "forbidden"),
		zap.String("reason", string(apperr.ReasonOf(err))),
		zap.Error(err),
	}
	if worker != nil {
		fields = append(fields, zap.Uint("worker_id", worker.ID), zap.String("worker_type", string(worker.Type)))
	}
	if study != nil {
		fields = append(fields, zap.Uint("study_id", study.ID))
	}
	if batch != nil {
		fields = append(fields, zap.Uint("batch_id", batch.ID))
	}
	l.log.Warn("worker not allowed", fields...)
}

// Group group 成员变化
func (l *StudyLogger) Group(groupID, runID uint, msg string) {
	l.log.Info(msg, zap.Uint("group_id", groupID), zap.Uint("study_run_id", runID))
}

// Removed 结果删除
func (l *StudyLogger) Removed(kind string, id uint, requester *model.User) {
	fields := []zap.Field{zap.String("kind", kind), zap.Uint("id", id)}
	if requester != nil {
		fields = append(fields, zap.String("requester", requester.Username))
	}
	l.log.Info("result removed", fields...)
}

// Error 级联删除等过程中跳过的错误
func (l *StudyLogger) Error(msg string, err error, fields ...zap.Field) {
	l.log.Error(msg, append(fields, zap.Error(err))...)
}
