// Package validation はvalidator/v10によるリクエストボディの検証を提供する。
// 検証エラーはフィールドごとの詳細を持つ *model.APIError に変換する。
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/shepherd/internal/model"
)

// Validator はvalidator/v10をラップし、エラーをAPIErrorに変換する。
type Validator struct {
	v *validator.Validate
}

// New はJSONタグ名でエラーを報告するValidatorを生成する。
func New() *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	// scheduled_date などの "YYYY-MM-DD" 形式の日付
	_ = v.RegisterValidation("civildate", func(fl validator.FieldLevel) bool {
		_, err := model.ParseScheduledDate(fl.Field().String())
		return err == nil
	})

	return &Validator{v: v}
}

// Validate は構造体を検証し、違反があれば VALIDATION_ERROR の *model.APIError を返す。
func (v *Validator) Validate(s any) error {
	if err := v.v.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

func (v *Validator) formatError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	fieldErrors := make(map[string]string, len(validationErrs))
	for _, e := range validationErrs {
		fieldErrors[e.Field()] = friendlyMessage(e)
	}
	return model.NewValidationError("入力内容に誤りがあります。", fieldErrors)
}

func friendlyMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "必須項目です"
	case "max":
		if e.Kind() == reflect.String {
			return fmt.Sprintf("%s文字以内で入力してください", e.Param())
		}
		return fmt.Sprintf("%s以下の値を入力してください", e.Param())
	case "min":
		return fmt.Sprintf("%s以上の値を入力してください", e.Param())
	case "gt":
		return fmt.Sprintf("%sより大きい値を入力してください", e.Param())
	case "gte":
		return fmt.Sprintf("%s以上の値を入力してください", e.Param())
	case "lte":
		return fmt.Sprintf("%s以下の値を入力してください", e.Param())
	case "oneof":
		return "次のいずれかを指定してください: " + e.Param()
	case "uuid":
		return "UUID形式で入力してください"
	case "civildate":
		return "YYYY-MM-DD形式の日付を入力してください"
	default:
		return "値が不正です"
	}
}
