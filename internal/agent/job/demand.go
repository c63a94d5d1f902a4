// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package job

import (
	"regexp"
	"strings"
)

// DemandOperator Demand 的匹配方式
type DemandOperator string

const (
	DemandEquals DemandOperator = "Equals"
	DemandMatch  DemandOperator = "Match"
	DemandExists DemandOperator = "Exists"
)

// Demand Job 对 Agent 能力的一条要求
type Demand struct {
	Key      string         `json:"key"`
	Operator DemandOperator `json:"operator"`
	Value    string         `json:"value,omitempty"`
}

// Demands 一组要求，全部满足才视为可执行
type Demands []Demand

// SatisfiedBy capabilities 是否满足 d；Key 不区分大小写（配置层会把 key 转为小写）
func (d Demand) SatisfiedBy(capabilities map[string]string) bool {
	v, ok := lookup(capabilities, d.Key)
	switch d.Operator {
	case DemandExists:
		return ok
	case DemandMatch:
		if !ok {
			return false
		}
		re, err := regexp.Compile(d.Value)
		if err != nil {
			return false
		}
		return re.MatchString(v)
	case DemandEquals, "":
		return ok && v == d.Value
	default:
		return false
	}
}

// SatisfiedBy 所有 Demand 均满足；空集合恒为 true
func (ds Demands) SatisfiedBy(capabilities map[string]string) bool {
	for _, d := range ds {
		if !d.SatisfiedBy(capabilities) {
			return false
		}
	}
	return true
}

func lookup(capabilities map[string]string, key string) (string, bool) {
	if v, ok := capabilities[key]; ok {
		return v, true
	}
	for k, v := range capabilities {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
