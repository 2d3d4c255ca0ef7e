package service

import (
	"study-engine/internal/config"
	"study-engine/internal/dao"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceContext struct {
	Config *config.Config
	Daos   *dao.Set

	Logger   *StudyLogger
	Sessions *SessionStore
	Channels *ChannelRegistry

	Auth    *StudyAuthorisation
	Runs    *RunManager
	Groups  *GroupCoordinator
	Remover *ResultRemover
	Links   *StudyLinkService
	Publix  *Publix
	Stats   *ResultStats
}

func NewServiceContext(cfg *config.Config, conn *gorm.DB, log *zap.Logger) *ServiceContext {
	daos := dao.New(conn)
	logger := NewStudyLogger(log)
	locks := NewLocks()
	sessions := NewSessionStore(cfg.Session.MaxSlots)
	channels := NewChannelRegistry(cfg.Group.ChannelBuffer)

	auth := NewStudyAuthorisation(daos, logger)
	groups := NewGroupCoordinator(daos, channels, logger, locks, nil)
	runs := NewRunManager(daos, auth, sessions, groups, logger, locks, RunManagerOptions{
		MaxResultDataSize: cfg.Run.MaxResultDataSize,
	})
	links := NewStudyLinkService(daos)

	return &ServiceContext{
		Config:   cfg,
		Daos:     daos,
		Logger:   logger,
		Sessions: sessions,
		Channels: channels,
		Auth:     auth,
		Runs:     runs,
		Groups:   groups,
		Remover:  NewResultRemover(daos, sessions, groups, logger, locks),
		Links:    links,
		Publix:   NewPublix(daos, runs, groups, sessions),
		Stats:    NewResultStats(daos),
	}
}

// Close 关停时释放会话表和 group 通道
func (s *ServiceContext) Close() {
	s.Groups.Close()
	s.Sessions.Close()
}
