package dao

import (
	"context"
	"errors"

	"study-engine/internal/db"
	"study-engine/internal/model"

	"gorm.io/gorm"
	"gorm.io/plugin/dbresolver"
)

// ErrNotFound 记录不存在
var ErrNotFound = gorm.ErrRecordNotFound

// IsNotFound 是否是记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// crud 通用的增删改查，所有 DAO 共用
type crud[T any] struct {
	db *gorm.DB
}

func (d crud[T]) conn(ctx context.Context) *gorm.DB {
	return d.db.WithContext(ctx)
}

// Find 按主键查找，不存在返回 ErrNotFound
func (d crud[T]) Find(ctx context.Context, id uint) (*T, error) {
	var out T
	if err := d.conn(ctx).First(&out, id).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// FindAll 按主键批量查找，顺序按 id
func (d crud[T]) FindAll(ctx context.Context, ids []uint) ([]T, error) {
	var out []T
	if len(ids) == 0 {
		return out, nil
	}
	err := d.conn(ctx).Where("id IN ?", ids).Order("id").Find(&out).Error
	return out, err
}

// FindAllBy 条件查询，顺序按 id
func (d crud[T]) FindAllBy(ctx context.Context, query any, args ...any) ([]T, error) {
	var out []T
	err := d.conn(ctx).Where(query, args...).Order("id").Find(&out).Error
	return out, err
}

// FindOneBy 条件查询第一条
func (d crud[T]) FindOneBy(ctx context.Context, query any, args ...any) (*T, error) {
	var out T
	if err := d.conn(ctx).Where(query, args...).Order("id").First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// Save 新建
func (d crud[T]) Save(ctx context.Context, entity *T) error {
	return d.conn(ctx).Create(entity).Error
}

// Update 整体更新
func (d crud[T]) Update(ctx context.Context, entity *T) error {
	return d.conn(ctx).Save(entity).Error
}

// Remove 删除
func (d crud[T]) Remove(ctx context.Context, entity *T) error {
	return d.conn(ctx).Delete(entity).Error
}

// Set 绑定到同一个连接（或事务）的全部 DAO
type Set struct {
	db *gorm.DB

	Users         UserDao
	Studies       StudyDao
	Components    ComponentDao
	Batches       BatchDao
	StudyLinks    StudyLinkDao
	Workers       WorkerDao
	StudyRuns     StudyRunDao
	ComponentRuns ComponentRunDao
	Groups        GroupResultDao
}

func New(db *gorm.DB) *Set {
	return &Set{
		db:            db,
		Users:         UserDao{crud[model.User]{db}},
		Studies:       StudyDao{crud[model.Study]{db}},
		Components:    ComponentDao{crud[model.Component]{db}},
		Batches:       BatchDao{crud[model.Batch]{db}},
		StudyLinks:    StudyLinkDao{crud[model.StudyLink]{db}},
		Workers:       WorkerDao{crud[model.Worker]{db}},
		StudyRuns:     StudyRunDao{crud[model.StudyRun]{db}},
		ComponentRuns: ComponentRunDao{crud[model.ComponentRun]{db}},
		Groups:        GroupResultDao{crud[model.GroupResult]{db}},
	}
}

// DB 底层连接
func (s *Set) DB() *gorm.DB {
	return s.db
}

// Reporting 统计查询用，配置了只读副本时读副本
func (s *Set) Reporting() *Set {
	return New(s.db.Clauses(dbresolver.Use(db.ReportingResolver)).Session(&gorm.Session{}))
}

// Transaction 在事务里执行 fn，fn 拿到的 Set 绑定该事务
func (s *Set) Transaction(ctx context.Context, fn func(tx *Set) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}
