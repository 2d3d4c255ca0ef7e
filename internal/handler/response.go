package handler

import (
	"net/http"

	"study-engine/internal/apperr"
	"study-engine/internal/dao"
	"study-engine/internal/model"

	"github.com/gin-gonic/gin"
)

// UserHeader 操作员身份，登录流程不在本服务内
const UserHeader = "X-Jatos-User"

// writeError 按错误大类返回状态码，code 是稳定的原因码，给调用方分支用
func writeError(c *gin.Context, err error) {
	e := apperr.From(err)
	if e.Kind == apperr.KindFail {
		c.Error(err)
	}
	c.JSON(e.StatusCode(), gin.H{
		"error": e.Message,
		"code":  e.Reason,
	})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// currentUser 从请求头取操作员
func currentUser(c *gin.Context, daos *dao.Set) (*model.User, error) {
	name := c.GetHeader(UserHeader)
	if name == "" {
		return nil, apperr.Forbidden(apperr.ReasonNoAccess, "缺少 %s 请求头", UserHeader)
	}
	user, err := daos.Users.FindByUsername(c.Request.Context(), name)
	if dao.IsNotFound(err) {
		return nil, apperr.Forbidden(apperr.ReasonNoAccess, "用户 %s 不存在", name)
	}
	if err != nil {
		return nil, apperr.Fail(err, "查询用户失败")
	}
	return user, nil
}
