package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"pollbot/api/internal/store"
)

type DepartmentList struct {
	Count       int                `json:"count"`
	Departments []store.Department `json:"departments"`
}

type DepartmentAnswers struct {
	Department store.Department `json:"department"`
	Count      int              `json:"count"`
	Answers    []store.Answer   `json:"answers"`
}

func (s *Service) ListDepartments(ctx context.Context) (DepartmentList, error) {
	departments, err := s.store.ListDepartments(ctx)
	if err != nil {
		return DepartmentList{}, internalError(CodeFailedToListDepts, "Failed to list departments", err)
	}
	if departments == nil {
		departments = []store.Department{}
	}
	return DepartmentList{Count: len(departments), Departments: departments}, nil
}

// DepartmentAnswers lists every answer given in any session of the department.
func (s *Service) DepartmentAnswers(ctx context.Context, key string) (DepartmentAnswers, error) {
	key = strings.TrimSpace(key)
	dep, err := s.store.GetDepartmentByKey(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return DepartmentAnswers{}, domainError(http.StatusNotFound, CodeDepartmentNotFound, "Department not found", map[string]any{"key": key})
	}
	if err != nil {
		return DepartmentAnswers{}, internalError(CodeFailedToGetDeptAnswers, "Failed to get department answers", err)
	}

	answers, err := s.store.ListDepartmentAnswers(ctx, dep.ID)
	if err != nil {
		return DepartmentAnswers{}, internalError(CodeFailedToGetDeptAnswers, "Failed to get department answers", err)
	}
	if answers == nil {
		answers = []store.Answer{}
	}
	return DepartmentAnswers{Department: dep, Count: len(answers), Answers: answers}, nil
}
