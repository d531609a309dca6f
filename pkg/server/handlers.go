package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch execerr.KindOf(err) {
	case execerr.KindInvalidEntry:
		return http.StatusBadRequest
	case execerr.KindPolicyDenied:
		return http.StatusForbidden
	case execerr.KindContentMissing:
		return http.StatusFailedDependency
	case execerr.KindExecutionFailed, execerr.KindMissingOutput:
		return http.StatusUnprocessableEntity
	case execerr.KindTimeout:
		return http.StatusGatewayTimeout
	case execerr.KindCanceled:
		return http.StatusRequestTimeout
	case execerr.KindSandboxSetup, execerr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) submit(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := req.Action()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.core.Submit(c.Request.Context(), a)
	if err != nil {
		if out == nil {
			c.JSON(statusFor(err), gin.H{"error": newErrorBody(err)})
			return
		}
		resp := newActionResponse(out)
		resp.Error = newErrorBody(err)
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, newActionResponse(out))
}

func (s *Server) getEntry(c *gin.Context) {
	fp, err := digest.Parse(c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	e, err := s.core.Lookup(c.Request.Context(), fp)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if e == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cache entry for " + fp.String()})
		return
	}
	c.JSON(http.StatusOK, newEntryResponse(e))
}

func (s *Server) putBlob(c *gin.Context) {
	info, err := s.core.Store().Put(c.Request.Context(), c.Request.Body)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, BlobResponse{Digest: info.Digest.String(), Size: info.Size})
}

func (s *Server) getBlob(c *gin.Context) {
	d, err := digest.Parse(c.Param("digest"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	info, err := s.core.Store().Stat(ctx, d)
	if err != nil {
		if execerr.IsContentMissing(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	rc, err := s.core.Store().Open(ctx, d)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, info.Size, "application/octet-stream", rc, nil)
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"backend": s.core.Backend(),
		"cache":   s.core.Cache().Stats(),
	})
}

func (s *Server) health(c *gin.Context) {
	if db := s.core.DB(); db != nil {
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
