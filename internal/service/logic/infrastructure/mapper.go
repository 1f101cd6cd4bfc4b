package infrastructure

import "storelogic/internal/service/logic/domain"

// ToDomainScript 将数据库模型转换为领域模型
func ToDomainScript(model *LogicScriptModel) *domain.LogicScript {
	if model == nil {
		return nil
	}
	return &domain.LogicScript{
		ID:            model.ID,
		DistributorID: model.DistributorID,
		TriggerPoint:  domain.TriggerPoint(model.TriggerPoint),
		Description:   model.Description,
		ScriptContent: model.ScriptContent,
		SequenceOrder: model.SequenceOrder,
		Active:        model.Active,
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}
}

func ToDomainScripts(models []LogicScriptModel) []*domain.LogicScript {
	out := make([]*domain.LogicScript, 0, len(models))
	for i := range models {
		out = append(out, ToDomainScript(&models[i]))
	}
	return out
}

// FromDomainScript 将领域模型转换为数据库模型 (用于插入)
func FromDomainScript(dmn *domain.LogicScript) *LogicScriptModel {
	if dmn == nil {
		return nil
	}
	return &LogicScriptModel{
		ID:            dmn.ID,
		DistributorID: dmn.DistributorID,
		TriggerPoint:  string(dmn.TriggerPoint),
		Description:   dmn.Description,
		ScriptContent: dmn.ScriptContent,
		SequenceOrder: dmn.SequenceOrder,
		Active:        dmn.Active,
		CreatedAt:     dmn.CreatedAt,
		UpdatedAt:     dmn.UpdatedAt,
	}
}
